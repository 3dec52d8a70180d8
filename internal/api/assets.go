package api

import (
	"encoding/base64"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// transparentPixelPNG is returned in place of an image asset the proxy
// fails to fetch (and for any path when the world is not connected here),
// so a broken image never surfaces a visible placeholder box in a sheet's
// rendered HTML. It is the smallest possible valid PNG: a single
// fully-transparent pixel, embedded as a base64 literal rather than a
// binary asset file so it survives plain-text tooling untouched.
var transparentPixelPNG = mustDecodePNG(
	"iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mNkYAAAAAYAAjCB0C8AAAAASUVORK5CYII=",
)

func mustDecodePNG(b64 string) []byte {
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		panic("api: corrupt embedded transparent-pixel literal: " + err.Error())
	}
	return data
}

// cdnFallbacks rewrites well-known local asset paths that the relay cannot
// itself host to their public CDN equivalents, per spec.md §4.H's
// proxy-asset contract.
var cdnFallbacks = map[string]string{
	"/icons/svg/": "https://cdn.jsdelivr.net/npm/@foundryvtt/fontawesome/icons/",
	"/fonts/":     "https://cdn.jsdelivr.net/npm/@fontsource/signika/files/",
}

var assetProxyClient = &http.Client{Timeout: 30 * time.Second}

// maxProxiedAssetBytes caps how much of an upstream asset the relay will
// relay through, per SPEC_FULL §4.H's proxy-asset contract.
const maxProxiedAssetBytes = 5 << 20

// handleProxyAsset is GET /proxy-asset/*path — streams an asset from a
// world's own origin (resolved via that world's connection metadata),
// rewriting known font/icon paths to a CDN fallback, capping the stream at
// 5 MiB, and substituting a 1x1 transparent PNG when the fetch fails or
// returns status >= 400 for an image path (other paths get a 404), and for
// any path when the world is not connected here.
func (s *Server) handleProxyAsset(c *gin.Context) {
	path := strings.TrimPrefix(c.Param("path"), "/")
	worldID := worldIDFromQuery(c)

	conn, ok := s.registry.Get(worldID)
	if !ok {
		c.Data(http.StatusOK, "image/png", transparentPixelPNG)
		return
	}

	origin := conn.Metadata["originUrl"]
	if origin == "" {
		if looksLikeImage(path) {
			c.Data(http.StatusOK, "image/png", transparentPixelPNG)
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "asset not found"})
		return
	}

	target := resolveAssetURL(origin, path)
	resp, err := assetProxyClient.Get(target)
	if err != nil || resp.StatusCode >= 400 {
		if resp != nil {
			resp.Body.Close()
		}
		if looksLikeImage(path) {
			c.Data(http.StatusOK, "image/png", transparentPixelPNG)
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "asset not found"})
		return
	}
	defer resp.Body.Close()

	c.Status(http.StatusOK)
	c.Header("Content-Type", resp.Header.Get("Content-Type"))
	_, _ = io.Copy(c.Writer, io.LimitReader(resp.Body, maxProxiedAssetBytes))
}

// resolveAssetURL rewrites known font/icon paths to their CDN fallback;
// everything else resolves against the world's own origin.
func resolveAssetURL(origin, path string) string {
	for prefix, cdn := range cdnFallbacks {
		if strings.HasPrefix("/"+path, prefix) {
			return cdn + strings.TrimPrefix(path, strings.TrimPrefix(prefix, "/"))
		}
	}
	return strings.TrimRight(origin, "/") + "/" + path
}

func looksLikeImage(path string) bool {
	for _, ext := range []string{".png", ".jpg", ".jpeg", ".webp", ".gif", ".svg"} {
		if strings.HasSuffix(strings.ToLower(path), ext) {
			return true
		}
	}
	return false
}
