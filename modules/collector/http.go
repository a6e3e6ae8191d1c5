package collector

import (
	"net/http"

	jsoniter "github.com/json-iterator/go"

	"github.com/hindsightlabs/hindsight/pkg/api"
	"github.com/hindsightlabs/hindsight/pkg/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// IngestHandler handles POST /api/events: a JSON array of event drafts run
// through the admission pipeline.
func (c *Collector) IngestHandler(w http.ResponseWriter, r *http.Request) {
	var drafts []*model.Event
	if err := json.NewDecoder(r.Body).Decode(&drafts); err != nil {
		api.WriteError(w, http.StatusBadRequest, "INVALID_EVENT", "invalid event batch: "+err.Error())
		return
	}

	resp := api.IngestResponse{}
	for _, e := range drafts {
		if err := c.Collect(r.Context(), e); err != nil {
			resp.Rejected++
			continue
		}
		resp.Accepted++
	}

	api.WriteJSON(w, http.StatusAccepted, resp)
}
