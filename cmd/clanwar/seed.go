package main

import (
	"fmt"
	"strings"

	"github.com/crystal-mush/clanwar/pkg/boltstore"
)

// listFlag collects every occurrence of a repeatable flag.
type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ",") }

func (l *listFlag) Set(v string) error {
	*l = append(*l, v)
	return nil
}

// splitPair parses "left:right". The right side is a user id, which never
// holds a colon, so the last colon splits.
func splitPair(arg, name, want string) (string, string, error) {
	i := strings.LastIndex(arg, ":")
	if i <= 0 || i == len(arg)-1 {
		return "", "", fmt.Errorf("%s %q: want %s", name, arg, want)
	}
	return arg[:i], arg[i+1:], nil
}

// seedDirectory applies -addclan and -addmember to the clan directory, clans
// first so new clans can take members in the same run.
func seedDirectory(store *boltstore.Store, clans, members []string) error {
	for _, arg := range clans {
		name, leader, err := splitPair(arg, "-addclan", "name:leader")
		if err != nil {
			return err
		}
		c, err := store.CreateClan(name, leader)
		if err != nil {
			return err
		}
		fmt.Printf("created clan %s (%s) led by %s\n", c.ID, c.Name, leader)
	}
	for _, arg := range members {
		clan, user, err := splitPair(arg, "-addmember", "clan:user")
		if err != nil {
			return err
		}
		if err := store.AddMember(clan, user); err != nil {
			return err
		}
		fmt.Printf("added %s to %s\n", user, clan)
	}
	return nil
}
