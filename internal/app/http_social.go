package app

import (
	"net/http"
	"strconv"
)

func (s *HTTPServer) handleActivities(w http.ResponseWriter, r *http.Request, session Session) {
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/api/activities":
		var body ActivityRequest
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.RecordActivity(session, body); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"queued": true})

	case r.Method == http.MethodGet && r.URL.Path == "/api/activities/definitions":
		writeJSON(w, http.StatusOK, map[string]any{"definitions": s.service.counters.Definitions().All()})

	case r.Method == http.MethodDelete && r.URL.Path == "/api/activities/cache":
		s.service.counters.ClearCache()
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleGroups(w http.ResponseWriter, r *http.Request, groupID int64, parts []string) {
	ctx := r.Context()
	query := r.URL.Query()

	switch {
	case r.Method == http.MethodGet && len(parts) >= 1 && parts[0] == "counters" &&
		(len(parts) == 1 || (len(parts) == 2 && parts[1] == "distribution")):
		q, err := counterQuery(r)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		q.Distribution = len(parts) == 2
		counters, err := s.service.ActivityCounters(ctx, groupID, q)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"counters": counterViews(counters)})
		return

	case r.Method == http.MethodGet && len(parts) == 1 && parts[0] == "rankings":
		offset, err := queryInt(query.Get("offset"), 0)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "offset must be an integer", nil)
			return
		}
		limit, err := queryInt(query.Get("limit"), 20)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
			return
		}
		payload, err := s.service.Rankings(ctx, groupID, queryList(query.Get("rank")), queryList(query.Get("select")), offset, limit)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return

	case r.Method == http.MethodPost && len(parts) == 3 && parts[0] == "users" && parts[2] == "achievements":
		userID, ok := pathID(w, parts[1])
		if !ok {
			return
		}
		counter, err := s.service.AwardAchievement(ctx, groupID, userID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, counterView(counter))
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func counterQuery(r *http.Request) (CounterQuery, error) {
	query := r.URL.Query()
	q := CounterQuery{Name: query.Get("name")}

	optional := func(key string) (*int, error) {
		raw := query.Get(key)
		if raw == "" {
			return nil, nil
		}
		value, err := strconv.Atoi(raw)
		if err != nil {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", key+" must be an integer", nil)
		}
		return &value, nil
	}

	var err error
	if q.StartPeriod, err = optional("startPeriod"); err != nil {
		return CounterQuery{}, err
	}
	if q.EndPeriod, err = optional("endPeriod"); err != nil {
		return CounterQuery{}, err
	}
	if q.StartOffset, err = queryInt(query.Get("startOffset"), 0); err != nil {
		return CounterQuery{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "startOffset must be an integer", nil)
	}
	if q.EndOffset, err = queryInt(query.Get("endOffset"), 0); err != nil {
		return CounterQuery{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "endOffset must be an integer", nil)
	}
	return q, nil
}
