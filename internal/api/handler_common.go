package api

import (
	"fmt"
	"net/http"
	"time"
)

func parsePaginationOrWriteInvalid(w http.ResponseWriter, r *http.Request) (Pagination, bool) {
	pg, err := ParsePagination(r)
	if err != nil {
		writeInvalidArgument(w, err.Error())
		return Pagination{}, false
	}
	return pg, true
}

func parseTimeQueryOrWriteInvalid(w http.ResponseWriter, r *http.Request, key string) (time.Time, bool) {
	t, err := ParseTimeQuery(r, key)
	if err != nil {
		writeInvalidArgument(w, err.Error())
		return time.Time{}, false
	}
	return t, true
}

func requireAETitlePathParam(w http.ResponseWriter, r *http.Request, paramName string) (string, bool) {
	value := PathParam(r, paramName)
	if !ValidateAETitle(value) {
		writeInvalidArgument(w, fmt.Sprintf("%s: must be a valid AE title", paramName))
		return "", false
	}
	return value, true
}
