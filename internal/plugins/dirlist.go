// Package plugins collects the reference plugins shipped with the
// engine (spec §4.5), grounded on original_source/leet/plugins/*.py.
package plugins

import (
	"context"

	"github.com/jldantas/leet/internal/machine"
	"github.com/jldantas/leet/internal/plugin"
	"github.com/jldantas/leet/internal/session"
)

// DirList returns one row per directory entry with timestamps, name,
// size, and attribute flags. Grounded on
// original_source/leet/plugins/dir_list.py.
type DirList struct {
	*plugin.Base
	path *plugin.Parameter
}

// NewDirList creates the dirlist plugin.
func NewDirList() plugin.Plugin {
	p := &DirList{Base: plugin.NewBase("dirlist", "Returns a directory list from a path with STD timestamp data.")}
	p.path = p.RegisterParam("path", "Path to be listed on the remote endpoint", true)
	return p
}

func (p *DirList) Run(ctx context.Context, sess session.Session, m machine.Machine) ([]plugin.ResultRow, error) {
	entries, err := sess.ListDir(ctx, p.path.Value())
	if err != nil {
		return nil, err
	}

	rows := make([]plugin.ResultRow, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, plugin.ResultRow{
			"Access ts":  e.AccessTime,
			"Write ts":   e.WriteTime,
			"Created ts": e.CreateTime,
			"Filename":   e.Name,
			"Attributes": e.Attributes,
			"Size":       e.Size,
		})
	}
	return rows, nil
}
