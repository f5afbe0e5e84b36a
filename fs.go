package layercake

import (
	"context"
	"errors"
	"io/fs"
	"mime"
	"net/http"
	"path"
)

// ServeFS is a simple helper that creates a view serving static files from an
// fs.FS filesystem. The file is identified by the keyword argument pathArg
// and looked up in the fsRoot subdirectory of the filesystem. This is
// especially useful when embedding static files:
//
//	//go:embed server_files
//	var all_files embed.FS
//
//	conf.Handle("/css/:path*", layercake.ServeFS(all_files, "static/css", "path"))
func ServeFS(f fs.FS, fsRoot, pathArg string) View {
	sub, err := fs.Sub(f, fsRoot)
	if err != nil {
		panic(err)
	}
	return NewView("static:"+fsRoot, func(ctx context.Context, r *Request, args Args) (*Response, error) {
		name := path.Clean("/" + args.Get(pathArg))[1:]
		if name == "" {
			name = "."
		}
		data, err := fs.ReadFile(sub, name)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, NotFound("no static file " + name)
		} else if err != nil {
			var perr *fs.PathError
			if errors.As(err, &perr) {
				// Directories are not listed.
				return nil, NotFound("cannot serve " + name)
			}
			return nil, err
		}
		ct := mime.TypeByExtension(path.Ext(name))
		if ct == "" {
			ct = http.DetectContentType(data)
		}
		return NewResponse(http.StatusOK, ct, data), nil
	})
}
