package api

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
)

var apiPrefixes = []string{"/auth/", "/chat/", "/metrics", "/healthz", "/readyz"}

// serveStatic serves the single page app from staticDir. Unknown GET paths
// outside the API fall back to index.html so client routes survive a reload.
func (h *Handler) serveStatic(c *gin.Context) {
	path := c.Request.URL.Path
	if h.staticDir == "" || (c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead) || isAPIPath(path) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	root, err := filepath.Abs(h.staticDir)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	target := filepath.Join(root, filepath.FromSlash(filepath.Clean("/"+path)))
	if !strings.HasPrefix(target, root) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	if info, err := os.Stat(target); err == nil && !info.IsDir() {
		c.File(target)
		return
	}
	index := filepath.Join(root, "index.html")
	if _, err := os.Stat(index); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.File(index)
}

func isAPIPath(path string) bool {
	for _, prefix := range apiPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
