// Package api exposes the leader's HTTP surface: device inventory,
// sensor history, and OTA campaign control, matching
// original_source/leader/src/api.py's route table, wired with
// gin-gonic/gin the way guiperry-HASHER's host process does.
package api

import (
	"net/http"
	"os"
	"strconv"

	"github.com/agsys-iot/leader-core/internal/leader"
	"github.com/agsys-iot/leader-core/pkg/ota"
	"github.com/agsys-iot/leader-core/pkg/protocol"
	"github.com/gin-gonic/gin"
)

// Server wraps a *leader.Leader in a gin.Engine.
type Server struct {
	leader *leader.Leader
	engine *gin.Engine
}

// New builds the gin engine and registers every route. registry may be
// nil, in which case no /metrics route is registered.
func New(l *leader.Leader, registry http.Handler) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{leader: l, engine: engine}

	apiGroup := engine.Group("/api")
	{
		apiGroup.GET("/health", s.handleHealth)
		apiGroup.GET("/devices", s.handleListDevices)
		apiGroup.GET("/devices/:uuid/data", s.handleDeviceData)
		apiGroup.POST("/ota/start", s.handleOtaStart)
		apiGroup.POST("/ota/stop", s.handleOtaStop)
		apiGroup.GET("/ota/progress", s.handleOtaProgress)
		apiGroup.GET("/ota/devices", s.handleOtaDevices)
	}

	if registry != nil {
		engine.GET("/metrics", gin.WrapH(registry))
	}

	return s
}

// Handler returns the underlying http.Handler, for http.Server wiring.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleListDevices(c *gin.Context) {
	devices := s.leader.Devices()
	out := make([]gin.H, 0, len(devices))
	for _, d := range devices {
		out = append(out, gin.H{
			"uuid":             d.UUID,
			"device_type":      deviceTypeName(d.DeviceType),
			"first_seen":       d.FirstSeen,
			"last_seen":        d.LastSeen,
			"firmware_version": d.FirmwareVersion,
			"battery_mv":       d.BatteryMv,
			"rssi":             d.RSSI,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleDeviceData(c *gin.Context) {
	uuid := c.Param("uuid")
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}

	readings := s.leader.SensorData(uuid, limit)
	out := make([]gin.H, 0, len(readings))
	for _, r := range readings {
		out = append(out, gin.H{
			"timestamp":        r.Timestamp,
			"moisture_raw":     r.MoistureRaw,
			"moisture_percent": r.MoisturePercent,
			"battery_mv":       r.BatteryMv,
			"temperature":      float64(r.TemperatureDeciC) / 10.0,
			"rssi":             r.RSSI,
		})
	}
	c.JSON(http.StatusOK, out)
}

type otaStartRequest struct {
	FirmwarePath string `json:"firmware_path" binding:"required"`
	Version      [3]int `json:"version" binding:"required"`
	DeviceType   *int   `json:"device_type"`
}

func (s *Server) handleOtaStart(c *gin.Context) {
	var req otaStartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !leader.FirmwareExists(req.FirmwarePath) {
		c.JSON(http.StatusNotFound, gin.H{"error": "firmware file not found"})
		return
	}

	deviceType := protocol.DeviceAll
	if req.DeviceType != nil {
		deviceType = protocol.DeviceType(*req.DeviceType)
	}

	firmwareData, err := os.ReadFile(req.FirmwarePath)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	version := ota.Version{
		uint8(req.Version[0]),
		uint8(req.Version[1]),
		uint8(req.Version[2]),
	}

	announceID, err := s.leader.StartOTA(firmwareData, version, deviceType)
	if err != nil {
		if _, ok := err.(ota.ErrSessionActive); ok {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		if _, ok := err.(ota.ErrEmptyFirmware); ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"announce_id": announceID})
}

func (s *Server) handleOtaStop(c *gin.Context) {
	s.leader.StopOTA()
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

func (s *Server) handleOtaProgress(c *gin.Context) {
	p := s.leader.Progress()
	c.JSON(http.StatusOK, gin.H{
		"active":            p.Active,
		"announce_id":       p.AnnounceID,
		"version":           p.Version,
		"firmware_size":     p.FirmwareSize,
		"total_chunks":      p.TotalChunks,
		"devices_total":     p.DevicesTotal,
		"devices_complete":  p.DevicesComplete,
		"devices_error":     p.DevicesError,
		"devices_receiving": p.DevicesReceiving,
		"elapsed_sec":       p.ElapsedSec,
	})
}

func (s *Server) handleOtaDevices(c *gin.Context) {
	statuses := s.leader.DeviceStatus()
	out := make([]gin.H, 0, len(statuses))
	for _, d := range statuses {
		out = append(out, gin.H{
			"uuid":            d.UUID.String(),
			"state":           d.State.String(),
			"current_version": d.CurrentVersion,
			"progress":        d.Progress,
			"last_chunk":      d.LastChunk,
			"retry_count":     d.RetryCount,
			"error":           d.Error,
		})
	}
	c.JSON(http.StatusOK, out)
}

func deviceTypeName(dt protocol.DeviceType) string {
	switch dt {
	case protocol.DeviceController:
		return "CONTROLLER"
	case protocol.DeviceSoilMoisture:
		return "SOIL_MOISTURE"
	case protocol.DeviceValveControl:
		return "VALVE_CONTROL"
	case protocol.DeviceWaterMeter:
		return "WATER_METER"
	default:
		return strconv.Itoa(int(dt))
	}
}
