package capsule

import (
	"net/url"
	"path"
	"strings"
)

// OutputPath returns where a node's rendered file lives, relative to the
// output root:
//
//	pages/<id>/index.md
//	databases/<id>/_schema.yaml
//	databases/<database id>/<row id>/index.md
func OutputPath(n Node) string {
	switch n.Kind {
	case KindDatabase:
		return path.Join("databases", n.ID, "_schema.yaml")
	case KindRow:
		return path.Join("databases", n.ParentID, n.ID, "index.md")
	default:
		return path.Join("pages", n.ID, "index.md")
	}
}

// attachmentPaths returns the attachment's path relative to the output
// root and relative to the node's output file:
//
//	<node dir>/attachments/<first 8 of block id>_<file name>
func attachmentPaths(nodeOutput string, blockID string, name string) (rel string, link string) {
	short := strings.ReplaceAll(blockID, "-", "")
	if len(short) > 8 {
		short = short[:8]
	}
	file := short + "_" + SafeFileName(name)
	link = path.Join("attachments", file)
	return path.Join(path.Dir(nodeOutput), link), link
}

// SafeFileName replaces characters that are awkward in file names. An
// empty result becomes "file".
func SafeFileName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	s := strings.Trim(b.String(), ".")
	if s == "" {
		return "file"
	}
	if len(s) > 100 {
		ext := path.Ext(s)
		if len(ext) > 10 {
			ext = ""
		}
		s = s[:100-len(ext)] + ext
	}
	return s
}

// sourceOf strips the query string from a download URL. Hosted file URLs
// carry an expiring signature in the query; the path is stable.
func sourceOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// hostedHosts are the storage hosts of files uploaded to the workspace.
// Their URLs carry an expiring signature in the query.
var hostedHosts = []string{
	"prod-files-secure.s3.us-west-2.amazonaws.com",
	"prod-files-secure.s3.amazonaws.com",
	"s3.us-west-2.amazonaws.com",
	"secure.notion-static.com",
	"file.notion.so",
}

// IsHostedURL reports whether raw points at a file stored by the remote
// service rather than an external link.
func IsHostedURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	for _, h := range hostedHosts {
		if u.Host == h || strings.HasSuffix(u.Host, "."+h) {
			return true
		}
	}
	return false
}

// StableURL drops the signature of a hosted file URL. Anything else,
// including emoji and the empty string, is returned unchanged.
func StableURL(raw string) string {
	if !IsHostedURL(raw) {
		return raw
	}
	return sourceOf(raw)
}
