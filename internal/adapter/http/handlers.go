package http

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/hemanshu03/livedict/pkg/livedict"
)

type setRequest struct {
	Value    []byte `json:"value"`
	TTLMs    *int64 `json:"ttl_ms,omitempty"`
	NoExpire bool   `json:"no_expire,omitempty"`
	Persist  bool   `json:"persist,omitempty"`
}

type valueResponse struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	Value  []byte `json:"value"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) callOpts(bucket string, persist bool) []livedict.CallOption {
	opts := []livedict.CallOption{livedict.WithBucket(bucket)}
	if s.backend != nil {
		opts = append(opts, livedict.WithBackend(s.backend))
		if persist {
			opts = append(opts, livedict.Persist())
		}
	}
	return opts
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["key"]

	value, err := s.store.Get(key, s.callOpts(bucket, false)...)
	if errors.Is(err, livedict.ErrKeyNotFound) {
		http.Error(w, "key not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.Warn("get failed", zap.String("key", key), zap.Error(err))
		http.Error(w, "read error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, valueResponse{Bucket: bucket, Key: key, Value: value})
}

func (s *Server) handleSet(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["key"]

	var req setRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}

	opts := s.callOpts(bucket, req.Persist)
	if req.NoExpire {
		opts = append(opts, livedict.NoExpire())
	} else if req.TTLMs != nil {
		opts = append(opts, livedict.WithTTL(time.Duration(*req.TTLMs)*time.Millisecond))
	}

	err := s.store.Set(key, req.Value, opts...)
	if errors.Is(err, livedict.ErrCapacityExceeded) {
		http.Error(w, err.Error(), http.StatusInsufficientStorage)
		return
	}
	if err != nil {
		s.log.Warn("set failed", zap.String("key", key), zap.Error(err))
		http.Error(w, "write error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["key"]

	persist := r.URL.Query().Get("persist") == "true"
	if err := s.store.Delete(key, s.callOpts(bucket, persist)...); err != nil {
		http.Error(w, "delete error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	bucket := mux.Vars(r)["bucket"]
	keys := s.store.Keys(livedict.WithBucket(bucket))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"bucket": bucket,
		"keys":   keys,
		"count":  len(keys),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	})
}

// handleToken exchanges the shared admin secret for a short-lived bearer
// token.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if s.maker == nil {
		http.Error(w, "auth disabled", http.StatusNotFound)
		return
	}
	var req struct {
		Secret string `json:"secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}
	if subtle.ConstantTimeCompare([]byte(req.Secret), []byte(s.secret)) != 1 {
		http.Error(w, "invalid secret", http.StatusUnauthorized)
		return
	}
	tok, err := s.maker.CreateToken("admin", time.Hour)
	if err != nil {
		http.Error(w, "token error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": tok})
}
