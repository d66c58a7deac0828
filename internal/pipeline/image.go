package pipeline

import (
	"strings"

	"github.com/ericreilly999/inventory-release/internal/domain"
)

// ParseImage splits a platform image string ("host:5000/repo:tag@sha256:...")
// into an ImageRef for service.
func ParseImage(service, image string) domain.ImageRef {
	ref := domain.ImageRef{Service: service}
	name := image
	if at := strings.Index(name, "@"); at >= 0 {
		ref.Digest = name[at+1:]
		name = name[:at]
	}
	slash := strings.LastIndex(name, "/")
	if colon := strings.LastIndex(name, ":"); colon > slash {
		ref.Tag = name[colon+1:]
		name = name[:colon]
	}
	ref.Repository = name
	return ref
}
