package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/dcmproxy/dcmproxy/internal/dimse"
	"github.com/dcmproxy/dcmproxy/internal/service"
)

const (
	dicomMediaType      = "application/dicom"
	defaultIngestSource = "HTTP"
)

// ErrStudyMismatch is reported for objects whose Study Instance UID differs
// from the study addressed by the request.
var ErrStudyMismatch = errors.New("object does not belong to the addressed study")

// IngestFailure describes one object that was not queued.
type IngestFailure struct {
	Index          int    `json:"index"`
	SOPInstanceUID string `json:"sop_instance_uid,omitempty"`
	Reason         string `json:"reason"`
}

// IngestResponse is the body of an ingest response.
type IngestResponse struct {
	StudyIUID string                 `json:"study_iuid"`
	Stored    []service.IngestResult `json:"stored"`
	Failed    []IngestFailure        `json:"failed"`
}

// HandleIngest handles POST /api/v1/aets/{aet}/studies/{study}.
//
// The body is multipart/related with application/dicom parts. Each object is
// routed through the rules of the proxy AE and queued; the optional
// source_aet query parameter names the sender for calling-AET filters.
// The response status is 200 when every object was queued, 202 when some
// were, and 409 when none were.
func HandleIngest(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		aet, ok := requireAETitlePathParam(w, r, "aet")
		if !ok {
			return
		}
		study := strings.TrimSpace(PathParam(r, "study"))
		if study == "" {
			writeInvalidArgument(w, "study: must not be empty")
			return
		}
		source := r.URL.Query().Get("source_aet")
		if source == "" {
			source = defaultIngestSource
		}
		if !ValidateAETitle(source) {
			writeInvalidArgument(w, "source_aet: must be a valid AE title")
			return
		}
		if err := cp.CheckProxyAE(aet); err != nil {
			writeServiceError(w, err)
			return
		}
		mr, ok := multipartRelatedOrWriteError(w, r)
		if !ok {
			return
		}

		resp := IngestResponse{StudyIUID: study, Stored: []service.IngestResult{}, Failed: []IngestFailure{}}
		for index := 0; ; index++ {
			part, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				if writeBodyReadError(w, err) {
					return
				}
				writeInvalidArgument(w, "malformed multipart body: "+err.Error())
				return
			}
			data, err := io.ReadAll(part)
			_ = part.Close()
			if err != nil {
				if writeBodyReadError(w, err) {
					return
				}
				writeInvalidArgument(w, "malformed multipart body: "+err.Error())
				return
			}

			fail := func(sop string, err error) {
				resp.Failed = append(resp.Failed, IngestFailure{Index: index, SOPInstanceUID: sop, Reason: err.Error()})
			}
			if ct := part.Header.Get("Content-Type"); ct != "" {
				if mt, _, err := mime.ParseMediaType(ct); err != nil || mt != dicomMediaType {
					fail("", fmt.Errorf("unsupported part content type %q", ct))
					continue
				}
			}
			req, err := dimse.StoreRequest(data)
			if err != nil {
				fail("", err)
				continue
			}
			if got := req.Attrs.Get(dimse.KeyStudyInstanceUID); got != study {
				fail(req.SOPInstanceUID, fmt.Errorf("%w: %s", ErrStudyMismatch, got))
				continue
			}
			res, err := cp.Ingest(r.Context(), aet, source, req)
			if err != nil {
				fail(req.SOPInstanceUID, err)
				continue
			}
			resp.Stored = append(resp.Stored, *res)
		}

		status := http.StatusOK
		switch {
		case len(resp.Stored) == 0 && len(resp.Failed) == 0:
			writeInvalidArgument(w, "request contains no objects")
			return
		case len(resp.Stored) == 0:
			status = http.StatusConflict
		case len(resp.Failed) > 0:
			status = http.StatusAccepted
		}
		WriteJSON(w, status, resp)
	}
}

func multipartRelatedOrWriteError(w http.ResponseWriter, r *http.Request) (*multipart.Reader, bool) {
	mt, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mt != "multipart/related" {
		writeUnsupportedMediaType(w, "content type must be multipart/related")
		return nil, false
	}
	if t := params["type"]; t != "" && t != dicomMediaType {
		writeUnsupportedMediaType(w, "multipart type must be "+dicomMediaType)
		return nil, false
	}
	if params["boundary"] == "" {
		writeInvalidArgument(w, "multipart boundary is required")
		return nil, false
	}
	if r.Body == nil {
		writeInvalidArgument(w, "request body is required")
		return nil, false
	}
	return multipart.NewReader(r.Body, params["boundary"]), true
}

func writeBodyReadError(w http.ResponseWriter, err error) bool {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		writePayloadTooLarge(w, maxErr.Limit)
		return true
	}
	return false
}
