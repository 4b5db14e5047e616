package server

import (
	"embed"
	"io/fs"
	"net/http"
)

//go:embed static
var staticFS embed.FS

var (
	dashboardFS = mustSub(staticFS, "static")
	assetServer = http.FileServerFS(dashboardFS)
)

func mustSub(fsys fs.FS, dir string) fs.FS {
	sub, err := fs.Sub(fsys, dir)
	if err != nil {
		panic("dashboard assets: " + err.Error())
	}
	return sub
}

// serveIndex serves the session monitor page.
func serveIndex(w http.ResponseWriter, r *http.Request) {
	noCache(w)
	http.ServeFileFS(w, r, dashboardFS, "index.html")
}

// serveAssets serves /assets/* from the embedded dashboard.
func serveAssets(w http.ResponseWriter, r *http.Request) {
	noCache(w)
	assetServer.ServeHTTP(w, r)
}

func noCache(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
}
