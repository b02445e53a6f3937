package httpapi

import (
	"embed"
	"io/fs"
	"net/http"
)

//go:embed static
var uiFiles embed.FS

// newStaticHandler serves the embedded status page. Responses are marked
// no-cache so a rebuilt binary's page shows up on the next load.
func newStaticHandler() http.Handler {
	root, err := fs.Sub(uiFiles, "static")
	if err != nil {
		return http.NotFoundHandler()
	}
	files := http.FileServer(http.FS(root))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache")
		files.ServeHTTP(w, r)
	})
}
