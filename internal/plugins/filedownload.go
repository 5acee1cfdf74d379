package plugins

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	leeterrors "github.com/jldantas/leet/internal/errors"
	"github.com/jldantas/leet/internal/machine"
	"github.com/jldantas/leet/internal/plugin"
	"github.com/jldantas/leet/internal/session"
)

// MaxFileDownloadSize is the largest remote file FileDownload will
// transfer, spec §4.5 and original_source/leet/plugins/file_download.py
// (50 MiB).
const MaxFileDownloadSize = 50 * 1024 * 1024

// FileDownload verifies the source exists, verifies size <= 50 MiB,
// ensures the local destination directory exists, and writes
// "<hostname>_<remote-basename>" into it. Grounded on
// original_source/leet/plugins/file_download.py.
type FileDownload struct {
	*plugin.Base
	source *plugin.Parameter
	dest   *plugin.Parameter
}

// NewFileDownload creates the file_download plugin.
func NewFileDownload() plugin.Plugin {
	p := &FileDownload{Base: plugin.NewBase("file_download", "Download a single file smaller than 50MB.")}
	p.source = p.RegisterParam("source", "Absolute path of the file to be downloaded on the remote endpoint", true)
	p.dest = p.RegisterParam("dest", "Absolute local path where the file will be saved", true)
	return p
}

// splitRemotePath splits the configured source into (directory, base
// name), detecting the remote separator from whichever one appears
// (source may be a Windows or *nix path independent of PathSeparator).
func (p *FileDownload) splitRemotePath() (dir, base string) {
	src := p.source.Value()
	sep := "/"
	if strings.Contains(src, `\`) {
		sep = `\`
	}
	idx := strings.LastIndex(src, sep)
	if idx < 0 {
		return "", src
	}
	return src[:idx], src[idx+1:]
}

// localDestination computes the local path to write to, creating the
// destination directory if needed, and prefixing the remote basename
// with the hostname to guarantee uniqueness across machines.
func (p *FileDownload) localDestination(hostname, remoteBase string) (string, error) {
	destArg := p.dest.Value()

	info, err := os.Stat(destArg)
	var localDir, localName string
	switch {
	case err != nil && os.IsNotExist(err):
		// A missing destination is treated as a directory to create.
		localDir = destArg
		localName = hostname + "_" + remoteBase
	case err != nil:
		return "", leeterrors.NewPluginError("could not stat local destination", err)
	case info.IsDir():
		localDir = destArg
		localName = hostname + "_" + remoteBase
	default:
		localDir, localName = filepath.Split(destArg)
		localName = hostname + "_" + localName
	}

	if _, err := os.Stat(localDir); os.IsNotExist(err) {
		if mkErr := os.MkdirAll(localDir, 0o755); mkErr != nil {
			return "", leeterrors.NewPluginError("could not create local destination directory", mkErr)
		}
	}

	return filepath.Join(localDir, localName), nil
}

// remoteSizeOK lists the remote directory and confirms the file is no
// larger than MaxFileDownloadSize.
func (p *FileDownload) remoteSizeOK(ctx context.Context, sess session.Session, dir, base string) (bool, error) {
	entries, err := sess.ListDir(ctx, dir)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.Name == base {
			return e.Size <= MaxFileDownloadSize, nil
		}
	}
	// Not found in the listing: treat the size check as failed rather
	// than as "ok", since Exists already confirmed presence above.
	return false, nil
}

func (p *FileDownload) Run(ctx context.Context, sess session.Session, m machine.Machine) ([]plugin.ResultRow, error) {
	remoteDir, remoteBase := p.splitRemotePath()
	destPath, err := p.localDestination(m.Hostname(), remoteBase)
	if err != nil {
		return nil, err
	}

	// Idempotence: if a prior attempt already completed the download,
	// report ok without re-fetching (spec §8, round-trip law).
	if info, statErr := os.Stat(destPath); statErr == nil && info.Size() > 0 {
		return []plugin.ResultRow{{
			"src":    p.source.Value(),
			"dst":    destPath,
			"status": "ok",
		}}, nil
	}

	exists, err := sess.Exists(ctx, p.source.Value())
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, leeterrors.NewPluginError(fmt.Sprintf("could not download %s: file not found", p.source.Value()), nil)
	}

	ok, err := p.remoteSizeOK(ctx, sess, remoteDir, remoteBase)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, leeterrors.NewPluginError("File size is bigger than the allowed.", nil)
	}

	content, err := sess.GetFile(ctx, p.source.Value())
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(destPath, content, 0o644); err != nil {
		return nil, leeterrors.NewPluginError("could not write local file", err)
	}

	return []plugin.ResultRow{{
		"src":    p.source.Value(),
		"dst":    destPath,
		"status": "ok",
	}}, nil
}
