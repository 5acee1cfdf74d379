package plugins

import (
	"context"

	"github.com/jldantas/leet/internal/machine"
	"github.com/jldantas/leet/internal/plugin"
	"github.com/jldantas/leet/internal/session"
)

// ProcessList is a passthrough of Session.ListProcesses. Grounded on
// original_source/leet/plugins/process_list.py.
type ProcessList struct {
	*plugin.Base
}

// NewProcessList creates the process_list plugin.
func NewProcessList() plugin.Plugin {
	return &ProcessList{Base: plugin.NewBase("process_list", "Returns a list of processes currently in execution.")}
}

func (p *ProcessList) Run(ctx context.Context, sess session.Session, m machine.Machine) ([]plugin.ResultRow, error) {
	procs, err := sess.ListProcesses(ctx)
	if err != nil {
		return nil, err
	}

	rows := make([]plugin.ResultRow, 0, len(procs))
	for _, proc := range procs {
		rows = append(rows, plugin.ResultRow{
			"username":     proc.Username,
			"pid":          proc.PID,
			"ppid":         proc.PPID,
			"start_time":   proc.StartTime,
			"command_line": proc.CommandLine,
			"path":         proc.Path,
		})
	}
	return rows, nil
}
