// SPDX-License-Identifier: Apache-2.0

// Package migrations embeds the SQL schema files applied at startup.
// Files are applied in lexical order, so names carry a numeric prefix.
package migrations

import (
	"embed"
	"io/fs"
	"sort"
	"strings"
)

//go:embed *.sql
var embeddedFiles embed.FS

type Migration struct {
	Name string
	SQL  string
}

func Ordered() ([]Migration, error) {
	entries, err := fs.ReadDir(embeddedFiles, ".")
	if err != nil {
		return nil, err
	}

	out := make([]Migration, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		body, err := embeddedFiles.ReadFile(entry.Name())
		if err != nil {
			return nil, err
		}

		out = append(out, Migration{
			Name: entry.Name(),
			SQL:  string(body),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})

	return out, nil
}
