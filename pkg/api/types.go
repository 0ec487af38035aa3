package api

import (
	"time"

	"github.com/lsst-sqre/nublado/pkg/images"
	"github.com/lsst-sqre/nublado/pkg/lab"
)

// menuResponse is the GET /images shape (spec.md §6).
type menuResponse struct {
	Recommended *imageEntry  `json:"recommended,omitempty"`
	Options     []imageEntry `json:"options"`
	Dropdown    []imageEntry `json:"dropdown"`
}

type imageEntry struct {
	Reference   string   `json:"reference"`
	Description string   `json:"description"`
	Digest      string   `json:"digest"`
	TagClass    string   `json:"tag_class"`
	Aliases     []string `json:"aliases"`
}

func toImageEntry(m images.MenuEntry) imageEntry {
	return imageEntry{
		Reference:   m.Reference,
		Description: m.Description,
		Digest:      m.Digest,
		TagClass:    string(m.TagClass),
		Aliases:     m.Aliases,
	}
}

func imageEntryFromImage(img images.RSPImage) images.MenuEntry {
	return images.MenuEntry{
		Reference:   img.Reference(),
		Description: img.Description,
		Digest:      img.Digest,
		TagClass:    img.Class,
		Aliases:     img.Aliases(),
	}
}

// prepullsResponse is the GET /prepulls shape.
type prepullsResponse struct {
	Config prepullConfig      `json:"config"`
	Images []prepullImageView `json:"images"`
}

type prepullConfig struct {
	ConcurrencyLimit int           `json:"concurrency_limit"`
	Tick             time.Duration `json:"tick"`
}

type prepullImageView struct {
	Digest         string   `json:"digest"`
	MissingOnNodes []string `json:"missing_on_nodes"`
	PresentOnNodes []string `json:"present_on_nodes"`
}

// identityPayload is the identity-service user record accompanying a
// create request (spec.md §4.E create(user, request): "user identity +
// {image_choice, size, options}"). The identity service client itself is
// out of scope (spec.md §1); this service only consumes the record an
// upstream layer has already resolved and attached to the request.
type identityPayload struct {
	UID              int64    `json:"uid"`
	PrimaryGID       int64    `json:"primary_gid"`
	SupplementalGIDs []int64  `json:"supplemental_gids"`
	Groups           []string `json:"groups"`
	QuotaMemBytes    int64    `json:"quota_mem_bytes"`
	Forbidden        bool     `json:"forbidden"`
}

// createLabRequest is the POST /labs/{user} body. Identity is optional on
// the wire: a caller that omits it gets the zero-value record (no quota
// enforced, not forbidden), matching deployments that resolve identity
// some other way than this body.
type createLabRequest struct {
	Identity identityPayload `json:"identity"`
	Image    struct {
		Class  string `json:"class" validate:"omitempty,oneof=release weekly daily release-candidate experimental alias"`
		Index  int    `json:"index" validate:"omitempty,min=0"`
		Tag    string `json:"tag"`
		Digest string `json:"digest"`
	} `json:"image" validate:"required"`
	Size         string            `json:"size" validate:"required"`
	Env          map[string]string `json:"env"`
	Debug        bool              `json:"debug"`
	ResetUserEnv bool              `json:"reset_user_env"`
}

func (r createLabRequest) toLabRequest() lab.Request {
	return lab.Request{
		Identity: lab.UserIdentity{
			UID:              r.Identity.UID,
			PrimaryGID:       r.Identity.PrimaryGID,
			SupplementalGIDs: r.Identity.SupplementalGIDs,
			Groups:           r.Identity.Groups,
			QuotaMemBytes:    r.Identity.QuotaMemBytes,
			Forbidden:        r.Identity.Forbidden,
		},
		Image: lab.ImageChoice{
			Class:  images.TagClass(r.Image.Class),
			Index:  r.Image.Index,
			Tag:    r.Image.Tag,
			Digest: r.Image.Digest,
		},
		Size: r.Size,
		Options: lab.Options{
			Env:          r.Env,
			Debug:        r.Debug,
			ResetUserEnv: r.ResetUserEnv,
		},
	}
}

// resourceEntry is one element of labStatusResponse.Resources.
type resourceEntry struct {
	Kind string `json:"kind"`
	Name string `json:"name"`
}

// optionsView mirrors lab.Options for the wire (spec.md §6 GET
// /labs/{user} "options").
type optionsView struct {
	Env          map[string]string `json:"env,omitempty"`
	Debug        bool              `json:"debug,omitempty"`
	ResetUserEnv bool              `json:"reset_user_env,omitempty"`
}

// labStatusResponse is the GET /labs/{user} shape (spec.md §6: status,
// pod_info, resources, image, size, options, quota, started_at).
type labStatusResponse struct {
	User          string          `json:"user"`
	Status        string          `json:"status"`
	Namespace     string          `json:"namespace,omitempty"`
	PodUID        string          `json:"pod_uid,omitempty"`
	Image         string          `json:"image,omitempty"`
	Size          string          `json:"size,omitempty"`
	Options       optionsView     `json:"options"`
	Resources     []resourceEntry `json:"resources"`
	QuotaMemBytes int64           `json:"quota_mem_bytes,omitempty"`
	StartedAt     time.Time       `json:"started_at,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
}

func toLabStatusResponse(s lab.Snapshot) labStatusResponse {
	resources := make([]resourceEntry, 0, len(s.Resources))
	for _, r := range s.Resources {
		resources = append(resources, resourceEntry{Kind: r.Kind, Name: r.Name})
	}
	return labStatusResponse{
		User:      s.Username,
		Status:    string(s.Status),
		Namespace: s.Namespace,
		PodUID:    s.PodUID,
		Image:     s.Image.Reference(),
		Size:      s.Size.Name,
		Options: optionsView{
			Env:          s.Options.Env,
			Debug:        s.Options.Debug,
			ResetUserEnv: s.Options.ResetUserEnv,
		},
		Resources:     resources,
		QuotaMemBytes: s.QuotaMemBytes,
		StartedAt:     s.StartedAt,
		LastError:     s.LastError,
	}
}

// labListEntry is one element of GET /labs.
type labListEntry struct {
	User   string `json:"user"`
	Status string `json:"status"`
}

// fileServerStatusResponse is the GET /files/{user} shape.
type fileServerStatusResponse struct {
	User      string    `json:"user"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// errorResponse is the JSON body for any non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
}
