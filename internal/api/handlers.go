package api

import (
	"net/http"

	"github.com/dcmproxy/dcmproxy/internal/audit"
	"github.com/dcmproxy/dcmproxy/internal/service"
)

// HandleSystemInfo returns a handler for GET /api/v1/system/info.
func HandleSystemInfo(info service.SystemInfo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, info)
	}
}

// HandleReload handles POST /api/v1/system/actions/reload.
func HandleReload(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := cp.ReloadConfig()
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}

// HandleListAEs handles GET /api/v1/aets.
func HandleListAEs(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pg, ok := parsePaginationOrWriteInvalid(w, r)
		if !ok {
			return
		}
		WritePage(w, http.StatusOK, cp.ListAEs(), pg)
	}
}

// HandleListSessions handles GET /api/v1/sessions.
func HandleListSessions(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pg, ok := parsePaginationOrWriteInvalid(w, r)
		if !ok {
			return
		}
		WritePage(w, http.StatusOK, cp.ListSessions(), pg)
	}
}

// HandleListSpool handles GET /api/v1/aets/{aet}/spool.
// Query params: destination, state, study, limit, offset.
func HandleListSpool(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		aet, ok := requireAETitlePathParam(w, r, "aet")
		if !ok {
			return
		}
		pg, ok := parsePaginationOrWriteInvalid(w, r)
		if !ok {
			return
		}
		q := r.URL.Query()
		items, err := cp.ListSpool(aet, service.SpoolFilter{
			DestinationAET: q.Get("destination"),
			State:          q.Get("state"),
			StudyIUID:      q.Get("study"),
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WritePage(w, http.StatusOK, items, pg)
	}
}

// HandleGetSpoolItem handles GET /api/v1/spool/{id...}.
func HandleGetSpoolItem(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		item, err := cp.GetSpoolItem(PathParam(r, "id"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, item)
	}
}

// HandleDeleteSpoolItem handles DELETE /api/v1/spool/{id...}.
func HandleDeleteSpoolItem(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := cp.DeleteSpoolItem(PathParam(r, "id")); err != nil {
			writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleRetryNow handles POST /api/v1/retry/actions/run-now.
func HandleRetryNow(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cp.RunRetryNow()
		writeAccepted(w, "scheduled")
	}
}

// HandleRetryStats handles GET /api/v1/retry/stats.
func HandleRetryStats(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"items": cp.RetryStats()})
	}
}

// HandleListAuditEvents handles GET /api/v1/audit-events.
// Query params: type, proxy_aet, remote_aet, study, from, to (RFC3339Nano),
// limit, offset.
func HandleListAuditEvents(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pg, ok := parsePaginationOrWriteInvalid(w, r)
		if !ok {
			return
		}
		q := r.URL.Query()
		f := audit.ListFilter{
			Type:      audit.EventType(q.Get("type")),
			ProxyAET:  q.Get("proxy_aet"),
			RemoteAET: q.Get("remote_aet"),
			StudyIUID: q.Get("study"),
			Limit:     pg.Limit,
			Offset:    pg.Offset,
		}
		if f.After, ok = parseTimeQueryOrWriteInvalid(w, r, "from"); !ok {
			return
		}
		if f.Before, ok = parseTimeQueryOrWriteInvalid(w, r, "to"); !ok {
			return
		}
		if !f.After.IsZero() && !f.Before.IsZero() && !f.After.Before(f.Before) {
			writeInvalidArgument(w, "from: must be before to")
			return
		}

		events, err := cp.ListAuditEvents(f)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"items":  events,
			"limit":  pg.Limit,
			"offset": pg.Offset,
		})
	}
}
