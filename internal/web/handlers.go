package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/andresmejia3/facegate/internal/credstore"
	"github.com/andresmejia3/facegate/internal/vault"
)

type userResponse struct {
	Username  string `json:"username"`
	HasVector bool   `json:"has_vector"`
}

type enrollResponse struct {
	Username string `json:"username"`
	Outcome  string `json:"outcome"`
	Partial  bool   `json:"partial"`
	Message  string `json:"message,omitempty"`
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// statusFor maps store errors to HTTP status codes. Store-wide corruption is
// a conflict the operator resolves with a reset.
func statusFor(err error) int {
	switch {
	case errors.Is(err, credstore.ErrInvalidUsername):
		return http.StatusBadRequest
	case errors.Is(err, credstore.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, credstore.ErrCorruptIndex), errors.Is(err, vault.ErrCorruptKeyState):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.List()
	if err != nil {
		s.log.Error(r.Context(), "listing users", "error", err)
		respondError(w, statusFor(err), err.Error())
		return
	}
	out := make([]userResponse, 0, len(users))
	for _, u := range users {
		out = append(out, userResponse{Username: u.Username, HasVector: u.Encoding != ""})
	}
	respondJSON(w, http.StatusOK, map[string]any{"users": out})
}

func (s *Server) enrollUser(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > s.maxUpload {
		respondError(w, http.StatusRequestEntityTooLarge, "image too large")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(s.maxUpload); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "image too large")
			return
		}
		respondError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	username := r.FormValue("username")
	if username == "" {
		respondError(w, http.StatusBadRequest, "username is required")
		return
	}
	file, _, err := r.FormFile("image")
	if err != nil {
		respondError(w, http.StatusBadRequest, "image is required")
		return
	}
	defer file.Close()
	image, err := io.ReadAll(file)
	if err != nil {
		respondError(w, http.StatusBadRequest, "reading image failed")
		return
	}
	if len(image) == 0 {
		respondError(w, http.StatusBadRequest, "image is empty")
		return
	}

	outcome, err := s.store.Enroll(r.Context(), username, image)
	if err != nil {
		s.log.Error(r.Context(), "enrollment failed", "username", username, "error", err)
		respondError(w, statusFor(err), err.Error())
		return
	}

	normalized, _ := credstore.NormalizeUsername(username)
	resp := enrollResponse{Username: normalized, Outcome: outcome.String()}
	if outcome == credstore.Partial {
		resp.Partial = true
		resp.Message = "no face detected; image stored without a face vector"
		respondJSON(w, http.StatusOK, resp)
		return
	}
	respondJSON(w, http.StatusCreated, resp)
}

func (s *Server) userImage(w http.ResponseWriter, r *http.Request) {
	path, err := s.store.ImagePath(chi.URLParam(r, "username"))
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	http.ServeFile(w, r, path)
}
