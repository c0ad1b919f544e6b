package boltstore

import (
	"bytes"
	"encoding/gob"
)

func init() {
	gob.Register(Clan{})
}

// encodeClan serializes a Clan to bytes using gob.
func encodeClan(c *Clan) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeClan deserializes bytes back into a Clan.
func decodeClan(data []byte) (*Clan, error) {
	var c Clan
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&c); err != nil {
		return nil, err
	}
	return &c, nil
}
