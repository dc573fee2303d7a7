package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"groupchat/internal/auth"
	"groupchat/internal/models"
	"groupchat/pkg/logger"
	"groupchat/pkg/response"

	"github.com/go-playground/validator/v10"
)

type AuthHandlers struct {
	authService *auth.Service
}

func NewAuthHandlers(authService *auth.Service) *AuthHandlers {
	return &AuthHandlers{
		authService: authService,
	}
}

func (h *AuthHandlers) Register(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid request")
		return
	}

	resp, err := h.authService.Register(r.Context(), &req)
	if err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			response.ValidationError(w, err)
			return
		}
		logger.Error("Registration error: %v", err)
		response.BadRequest(w, "registration failed")
		return
	}

	response.Created(w, resp)
}

func (h *AuthHandlers) Login(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid request")
		return
	}

	resp, err := h.authService.Login(r.Context(), &req)
	if err != nil {
		logger.Info("Login failed for %s: %v", req.Email, err)
		response.Unauthorized(w, "invalid credentials")
		return
	}

	response.JSON(w, resp)
}
