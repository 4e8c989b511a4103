package web

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/RaikaSurendra/gork/internal/bridge"
)

// maxBodyBytes bounds produce request bodies.
const maxBodyBytes = 1 << 20

type errorBody struct {
	Error string `json:"error"`
}

type produceRequest struct {
	Key   *string `json:"key"`
	Value *string `json:"value"`
}

type indexPage struct {
	Topic   string
	Message string
	Error   string
}

type outputPage struct {
	Title  string
	Topic  string
	Result bridge.ConsumeResult
}

type consumeFunc func(ctx context.Context) (bridge.ConsumeResult, error)

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.render(w, http.StatusOK, "index.html", indexPage{Topic: s.bridge.Topic()})
}

func (s *Server) handleProduceForm(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		s.render(w, http.StatusBadRequest, "index.html", indexPage{Topic: s.bridge.Topic(), Error: "invalid form"})
		return
	}
	keys, hasKey := r.PostForm["key"]
	values, hasValue := r.PostForm["value"]
	if !hasKey || !hasValue {
		s.render(w, http.StatusBadRequest, "index.html", indexPage{Topic: s.bridge.Topic(), Error: "key and value are required"})
		return
	}

	res, err := s.bridge.Produce(r.Context(), keys[0], values[0])
	if err != nil {
		s.logger.Error("produce failed", "error", err)
		s.render(w, statusCode(err), "index.html", indexPage{Topic: s.bridge.Topic(), Error: err.Error()})
		return
	}
	s.render(w, http.StatusOK, "index.html", indexPage{Topic: s.bridge.Topic(), Message: res.Message})
}

func (s *Server) handleProduceAPI(w http.ResponseWriter, r *http.Request) {
	var req produceRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body"})
		return
	}
	if req.Key == nil || req.Value == nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "key and value are required"})
		return
	}

	res, err := s.bridge.Produce(r.Context(), *req.Key, *req.Value)
	if err != nil {
		s.logger.Error("produce failed", "error", err)
		writeJSON(w, statusCode(err), errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleConsumePage(consume consumeFunc, title string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := consume(r.Context())
		if err != nil {
			s.logger.Error("consume failed", "error", err)
			http.Error(w, err.Error(), statusCode(err))
			return
		}
		s.render(w, http.StatusOK, "output.html", outputPage{Title: title, Topic: s.bridge.Topic(), Result: res})
	}
}

func (s *Server) handleConsumeAPI(consume consumeFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := consume(r.Context())
		if err != nil {
			s.logger.Error("consume failed", "error", err)
			writeJSON(w, statusCode(err), errorBody{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) render(w http.ResponseWriter, code int, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(code)
	if err := templates.ExecuteTemplate(w, name, data); err != nil {
		s.logger.Error("render template", "template", name, "error", err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
