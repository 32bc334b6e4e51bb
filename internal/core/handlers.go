package core

import (
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"

	"momentwatch/internal/types"
)

var errUnknownSensor = types.NewAppError(types.ErrCodeNotFoundSensor, "no sensor is configured for this region", nil)

// SensorStatus is the status API view of one configured sensor.
type SensorStatus struct {
	Region   string        `json:"region"`
	Reported bool          `json:"reported"`
	Report   *types.Report `json:"report,omitempty"`
}

// sensorListResponse is the body of GET /v1/sensors.
type sensorListResponse struct {
	Data        []SensorStatus `json:"data"`
	GeneratedAt time.Time      `json:"generated_at"`
}

// HandleListSensors returns every configured sensor with its latest report.
// Sensors that have not completed a cycle yet are listed with reported=false.
func (s *Server) HandleListSensors(w http.ResponseWriter, r *http.Request) {
	reports := s.Sensors.List()
	byRegion := make(map[string]types.Report, len(reports))
	for _, rep := range reports {
		byRegion[rep.Region] = rep
	}

	statuses := make([]SensorStatus, 0, len(s.Regions))
	reported := 0
	for _, region := range s.Regions {
		st := SensorStatus{Region: region}
		if rep, ok := byRegion[region]; ok {
			st.Reported = true
			st.Report = &rep
			reported++
		}
		statuses = append(statuses, st)
	}
	noteListing(r, len(statuses), reported)

	JSON(w, r, http.StatusOK, sensorListResponse{
		Data:        statuses,
		GeneratedAt: time.Now().UTC(),
	})
}

// HandleGetSensor returns the latest report for one region.
func (s *Server) HandleGetSensor(w http.ResponseWriter, r *http.Request) {
	region := chi.URLParam(r, "region")
	noteSensor(r, region, nil)
	if !slices.Contains(s.Regions, region) {
		Error(w, r, errUnknownSensor.WithDetails(map[string]any{
			"region":             region,
			"configured_regions": s.Regions,
		}))
		return
	}

	st := SensorStatus{Region: region}
	if rep, ok := s.Sensors.Get(region); ok {
		st.Reported = true
		st.Report = &rep
		noteSensor(r, region, &rep)
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: st})
}
