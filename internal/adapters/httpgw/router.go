// Package httpgw is the local gateway a UI process talks to. It translates
// REST calls into session operations; no rendering, JSON only.
package httpgw

import (
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/carebridge/callkit/internal/app"
	"github.com/carebridge/callkit/internal/call"
	"github.com/carebridge/callkit/internal/config"
	"github.com/carebridge/callkit/internal/domain"
	"github.com/carebridge/callkit/internal/media"
)

func genClientToken() string {
	return uuid.NewString()
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

func SetupRouter(cfg *config.Config, sess *call.Session, launcher *app.Launcher) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("CallkitSessions", store))
	r.Use(ClientTokenMiddleware())

	log.Info().Str("module", "adapters.httpgw").Int("port", cfg.GatewayPort).Msg("router setup")

	api := r.Group("/api")

	// POST /api/call/initiate — dial a peer; responds with the derived room.
	api.POST("/call/initiate", func(c *gin.Context) {
		var req struct {
			Target     string `json:"target"`
			TargetName string `json:"targetName"`
			Direction  string `json:"direction"`
		}
		if err := c.BindJSON(&req); err != nil || req.Target == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "target required"})
			return
		}
		dir := domain.Direction(req.Direction)
		if req.Direction == "" {
			dir = directionFor(sess.Self().Role)
		}
		if !dir.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad direction"})
			return
		}
		room, err := sess.Dial(domain.UserID(req.Target), req.TargetName, dir)
		if err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"channelName": room})
	})

	// POST /api/call/accept — accept the pending invite.
	api.POST("/call/accept", func(c *gin.Context) {
		inv, err := sess.Accept()
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"channelName": inv.Room, "from": inv.From, "fromName": inv.FromName})
	})

	// POST /api/call/reject — reject the pending invite.
	api.POST("/call/reject", func(c *gin.Context) {
		if err := sess.Reject(); err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})

	// GET /api/call/incoming — peek the pending invite without consuming it.
	api.GET("/call/incoming", func(c *gin.Context) {
		inv, ok := sess.Incoming()
		if !ok {
			c.JSON(http.StatusOK, gin.H{"ringing": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ringing": true, "invite": inv})
	})

	// GET /api/call/state — combined call + media view.
	api.GET("/call/state", func(c *gin.Context) {
		out := gin.H{}
		if room, waiting := sess.Waiting(); waiting {
			out["waiting"] = true
			out["waitingRoom"] = room
		} else {
			out["waiting"] = false
		}
		if ctrl, room, ok := launcher.Current(); ok {
			out["room"] = room
			out["peerName"] = launcher.PeerName()
			out["mediaState"] = ctrl.State().String()
			out["uid"] = ctrl.UID()
			out["participants"] = participantsView(ctrl.Participants())
		} else {
			out["mediaState"] = media.StateDisconnected.String()
		}
		c.JSON(http.StatusOK, out)
	})

	// POST /api/call/hangup — leave the current media session.
	api.POST("/call/hangup", func(c *gin.Context) {
		launcher.LeaveCurrent()
		c.Status(http.StatusNoContent)
	})

	// POST /api/media/audio and /api/media/video — toggle the local track.
	api.POST("/media/audio", toggleHandler(launcher, media.TrackAudio))
	api.POST("/media/video", toggleHandler(launcher, media.TrackVideo))

	return r
}

func toggleHandler(launcher *app.Launcher, kind media.TrackKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctrl, _, ok := launcher.Current()
		if !ok {
			c.JSON(http.StatusConflict, gin.H{"error": "no active media session"})
			return
		}
		var (
			enabled bool
			err     error
		)
		if kind == media.TrackAudio {
			enabled, err = ctrl.ToggleAudio()
		} else {
			enabled, err = ctrl.ToggleVideo()
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"kind": kind, "enabled": enabled})
	}
}

func statusFor(err error) int {
	switch err {
	case call.ErrNoInvite:
		return http.StatusNotFound
	case call.ErrClosed:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func directionFor(role domain.Role) domain.Direction {
	if role == domain.RoleDoctor {
		return domain.DoctorToPatient
	}
	return domain.PatientToDoctor
}

type participantView struct {
	UID      uint32 `json:"uid"`
	HasVideo bool   `json:"hasVideo"`
	HasAudio bool   `json:"hasAudio"`
}

func participantsView(parts []media.Participant) []participantView {
	out := make([]participantView, 0, len(parts))
	for _, p := range parts {
		out = append(out, participantView{UID: p.UID, HasVideo: p.VideoTrack != nil, HasAudio: p.HasAudio})
	}
	return out
}
