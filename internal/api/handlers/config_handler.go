package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/havencare/haven/internal/services"
	"github.com/havencare/haven/internal/utils"
)

type ConfigHandler struct {
	svc services.ConfigService
}

func NewConfigHandler(svc services.ConfigService) *ConfigHandler {
	return &ConfigHandler{svc: svc}
}

func (h *ConfigHandler) Get(c *gin.Context) {
	if _, ok := requireUserID(c); !ok {
		return
	}

	cfg, err := h.svc.Get(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, cfg)
}

func (h *ConfigHandler) Update(c *gin.Context) {
	if _, ok := requireUserID(c); !ok {
		return
	}

	var in services.UpdateConfigInput
	if err := c.ShouldBindJSON(&in); err != nil {
		writeError(c, utils.E(utils.CodeInvalidArgument, "ConfigHandler.Update", "invalid request body", err))
		return
	}

	cfg, err := h.svc.Update(c.Request.Context(), in)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, cfg)
}
