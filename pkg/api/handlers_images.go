package api

import (
	"net/http"

	"github.com/lsst-sqre/nublado/pkg/prepuller"
)

func (s *Server) handleImages(w http.ResponseWriter, r *http.Request) {
	cat := s.images.Snapshot()

	resp := menuResponse{
		Options:  make([]imageEntry, 0, len(cat.Prepulled)),
		Dropdown: make([]imageEntry, 0, len(cat.Dropdown)),
	}
	for _, m := range cat.Prepulled {
		resp.Options = append(resp.Options, toImageEntry(m))
	}
	for _, m := range cat.Dropdown {
		resp.Dropdown = append(resp.Dropdown, toImageEntry(m))
	}
	if cat.Recommended != nil {
		e := toImageEntry(imageEntryFromImage(*cat.Recommended))
		resp.Recommended = &e
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePrepulls(w http.ResponseWriter, r *http.Request) {
	cat := s.images.Snapshot()
	nodes := s.images.NodeView()
	statuses := prepuller.Status(cat, nodes)

	resp := prepullsResponse{
		Config: prepullConfig{ConcurrencyLimit: s.cfg.ConcurrencyLimit, Tick: s.cfg.Tick},
		Images: make([]prepullImageView, 0, len(statuses)),
	}
	for _, st := range statuses {
		resp.Images = append(resp.Images, prepullImageView{
			Digest:         st.Digest,
			MissingOnNodes: st.MissingOnNodes,
			PresentOnNodes: st.PresentOnNodes,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
