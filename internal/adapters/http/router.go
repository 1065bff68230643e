package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Meet/internal/adapters"
	"github.com/dkeye/Meet/internal/config"
	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
)

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

// JoinClaims is the signed grant to enter one meeting as one participant.
type JoinClaims struct {
	MeetingID     string `json:"meetingId"`
	ParticipantID string `json:"participantId"`
	DisplayName   string `json:"displayName"`
	jwt.RegisteredClaims
}

func issueJoinToken(secret string, meetingID domain.MeetingID, pid domain.ParticipantID, displayName string) (string, error) {
	claims := JoinClaims{
		MeetingID:     string(meetingID),
		ParticipantID: string(pid),
		DisplayName:   displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(12 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func parseJoinToken(secret, tokenString string) (*JoinClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JoinClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*JoinClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

type createMeetingRequest struct {
	DisplayName string                  `json:"displayName" binding:"required"`
	Settings    *domain.MeetingSettings `json:"settings"`
}

type createMeetingResponse struct {
	MeetingID string `json:"meetingId"`
	HostID    string `json:"hostId"`
	Token     string `json:"token"`
}

type joinMeetingRequest struct {
	DisplayName string `json:"displayName" binding:"required"`
}

type joinMeetingResponse struct {
	MeetingID     string `json:"meetingId"`
	ParticipantID string `json:"participantId"`
	Token         string `json:"token"`
}

func SetupRouter(ctx context.Context, cfg *config.Config, roster core.RosterStore, gw *adapters.Gateway) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("MeetSessions", store))
	r.Use(ClientTokenMiddleware())

	log.Info().Str("module", "adapters.http").Msg("router setup")

	api := r.Group("/api")

	api.POST("/meetings", func(c *gin.Context) {
		var req createMeetingRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid displayName"})
			return
		}
		settings := domain.DefaultMeetingSettings()
		if req.Settings != nil {
			settings = *req.Settings
		}

		hostID := domain.ParticipantID(c.GetString("client_token"))
		meetingID := domain.MeetingID(uuid.NewString())
		if err := roster.Create(c.Request.Context(), domain.NewMeeting(meetingID, hostID, settings)); err != nil {
			log.Error().Err(err).Str("module", "adapters.http").Msg("create meeting")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "create failed"})
			return
		}

		token, err := issueJoinToken(cfg.Secret, meetingID, hostID, req.DisplayName)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token failed"})
			return
		}
		log.Info().Str("module", "adapters.http").Str("meeting", string(meetingID)).Str("host", string(hostID)).Msg("meeting created")
		c.JSON(http.StatusCreated, createMeetingResponse{
			MeetingID: string(meetingID),
			HostID:    string(hostID),
			Token:     token,
		})
	})

	api.GET("/meetings/:id", func(c *gin.Context) {
		m, err := roster.Get(c.Request.Context(), domain.MeetingID(c.Param("id")))
		if err != nil {
			if errors.Is(err, domain.ErrMeetingNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "meeting not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
			return
		}
		c.JSON(http.StatusOK, m)
	})

	api.POST("/meetings/:id/join", func(c *gin.Context) {
		var req joinMeetingRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid displayName"})
			return
		}
		meetingID := domain.MeetingID(c.Param("id"))

		m, err := roster.Get(c.Request.Context(), meetingID)
		if err != nil {
			if errors.Is(err, domain.ErrMeetingNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "meeting not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
			return
		}
		if m.Status == domain.MeetingEnded {
			c.JSON(http.StatusGone, gin.H{"error": "meeting ended"})
			return
		}
		if m.Settings.MaxParticipants > 0 && len(m.Participants) >= m.Settings.MaxParticipants {
			c.JSON(http.StatusConflict, gin.H{"error": "meeting full"})
			return
		}

		pid := domain.ParticipantID(c.GetString("client_token"))
		token, err := issueJoinToken(cfg.Secret, meetingID, pid, req.DisplayName)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token failed"})
			return
		}
		c.JSON(http.StatusOK, joinMeetingResponse{
			MeetingID:     string(meetingID),
			ParticipantID: string(pid),
			Token:         token,
		})
	})

	api.GET("/ws/meetings/:id", func(c *gin.Context) {
		// Browsers cannot set headers on websocket upgrades; the join
		// token rides in the query string instead.
		claims, err := parseJoinToken(cfg.Secret, c.Query("token"))
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		meetingID := domain.MeetingID(c.Param("id"))
		if claims.MeetingID != string(meetingID) {
			c.JSON(http.StatusForbidden, gin.H{"error": "token meeting mismatch"})
			return
		}

		p, err := domain.NewParticipant(domain.ParticipantID(claims.ParticipantID), claims.DisplayName)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		gw.HandleMeeting(ctx, c, meetingID, p)
	})

	return r
}
