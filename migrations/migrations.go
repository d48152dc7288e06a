// Package migrations embeds the schema applied by `jobengine migrate`.
package migrations

import (
	"embed"
	"io/fs"
	"sort"
	"strings"
)

//go:embed mysql/*.sql clickhouse/*.sql
var files embed.FS

// Statements returns the statements of every file under dir ("mysql" or
// "clickhouse"), files in name order. Statements are split on ';' at line end.
func Statements(dir string) ([]string, error) {
	entries, err := fs.ReadDir(files, dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var out []string
	for _, n := range names {
		b, err := fs.ReadFile(files, dir+"/"+n)
		if err != nil {
			return nil, err
		}
		for _, stmt := range strings.Split(string(b), ";\n") {
			if s := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(stmt), ";")); s != "" {
				out = append(out, s)
			}
		}
	}
	return out, nil
}
