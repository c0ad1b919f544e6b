package server

import (
	"net/http"
	"time"

	"github.com/crystal-mush/clanwar/pkg/boltstore"
	"github.com/crystal-mush/clanwar/pkg/clanwar"
)

// ClanDirectory is the read side of the clan roster store.
type ClanDirectory interface {
	clanwar.Membership
	Clans() []*boltstore.Clan
	Clan(id string) (*boltstore.Clan, bool)
}

var _ ClanDirectory = (*boltstore.Store)(nil)

// clanView is the JSON form of a clan.
type clanView struct {
	ID      string            `json:"id"`
	Name    string            `json:"name"`
	Created time.Time         `json:"created"`
	Members map[string]string `json:"members"` // user -> rank
	AtWar   bool              `json:"at_war"`
}

func (ws *WebServer) viewClan(c *boltstore.Clan) clanView {
	v := clanView{
		ID:      c.ID,
		Name:    c.Name,
		Created: c.Created,
		Members: make(map[string]string, len(c.Members)),
		AtWar:   ws.svc.Wars.ByClan(c.ID) != nil,
	}
	for u, r := range c.Members {
		v.Members[u] = r.String()
	}
	return v
}

// handleListClans returns every clan, ordered by id.
func (ws *WebServer) handleListClans(w http.ResponseWriter, r *http.Request) {
	clans := ws.svc.Clans.Clans()
	views := make([]clanView, 0, len(clans))
	for _, c := range clans {
		views = append(views, ws.viewClan(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"clans": views,
		"count": len(views),
	})
}

func (ws *WebServer) handleGetClan(w http.ResponseWriter, r *http.Request) {
	c, ok := ws.svc.Clans.Clan(r.PathValue("clan"))
	if !ok {
		writeError(w, http.StatusNotFound, "no such clan")
		return
	}
	writeJSON(w, http.StatusOK, ws.viewClan(c))
}
