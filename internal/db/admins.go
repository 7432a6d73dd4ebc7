package db

import (
	"context"
	"strings"

	"LokaMail/internal/models"
)

// StaticAdmins is an admin directory backed by a fixed address list, used
// when the users table is not reachable (SQLite deployments).
type StaticAdmins []models.Recipient

// ParseStaticAdmins reads a comma separated address list. Blank entries are skipped.
func ParseStaticAdmins(list string) StaticAdmins {
	var out StaticAdmins
	for _, addr := range strings.Split(list, ",") {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		out = append(out, models.Recipient{Email: addr})
	}
	return out
}

func (a StaticAdmins) ActiveAdmins(context.Context) ([]models.Recipient, error) {
	return a, nil
}
