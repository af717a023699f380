package realtime

import (
	"net/url"

	"github.com/gin-gonic/gin"
	"github.com/weiawesome/lobbycast/pkg/jwt"
	pkglog "github.com/weiawesome/lobbycast/pkg/log"
	"github.com/weiawesome/lobbycast/pkg/middleware"
	"github.com/weiawesome/lobbycast/pkg/response"
)

const (
	ChannelAuthPath = "/api/pusher/auth"
	UserAuthPath    = "/api/pusher/user-auth"
)

// Signer signs handshake grants with the app secret; *pusher.Client
// implements it.
type Signer interface {
	AuthorizePrivateChannel(params []byte) ([]byte, error)
	AuthenticateUser(params []byte, userData map[string]interface{}) ([]byte, error)
}

// Origin serves the auth endpoints the realtime handshake calls. Callers
// are identified by their bearer token. A user may only join their own
// channel; service identities may join any.
type Origin struct {
	signer Signer
}

func NewOrigin(signer Signer) *Origin {
	return &Origin{signer: signer}
}

// RegisterRoutes mounts the auth endpoints on r.
func (o *Origin) RegisterRoutes(r gin.IRouter, tokens middleware.TokenValidator) {
	auth := middleware.RequireAuth(tokens)
	r.POST(ChannelAuthPath, auth, o.AuthorizeChannel)
	r.POST(UserAuthPath, auth, o.AuthenticateUser)
}

// AuthorizeChannel grants the caller access to a private channel.
func (o *Origin) AuthorizeChannel(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Unauthorized(c, "missing identity")
		return
	}
	body, err := c.GetRawData()
	if err != nil {
		response.BadRequest(c, "unreadable body")
		return
	}
	form, err := url.ParseQuery(string(body))
	if err != nil {
		response.BadRequest(c, "malformed form")
		return
	}
	channel := form.Get("channel_name")
	if form.Get("socket_id") == "" || channel == "" {
		response.BadRequest(c, "socket_id and channel_name are required")
		return
	}

	log := pkglog.Ctx(c.Request.Context()).With().Str(pkglog.FieldChannel, channel).Logger()
	if !claims.HasRole(jwt.RoleService) {
		userID := middleware.GetUserID(c)
		owner, ok := UserFromChannel(channel)
		if !ok || owner != userID {
			log.Warn().Str(pkglog.FieldUserID, userID).Msg("channel authorization refused")
			response.Forbidden(c, "not allowed on this channel")
			return
		}
	}

	grant, err := o.signer.AuthorizePrivateChannel(body)
	if err != nil {
		log.Warn().Err(err).Msg("channel grant not signed")
		response.BadRequest(c, err.Error())
		return
	}
	response.Raw(c, grant)
}

// AuthenticateUser signs the caller's user data. Service callers that name
// their process instance sign in as that instance.
func (o *Origin) AuthenticateUser(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Unauthorized(c, "missing identity")
		return
	}
	body, err := c.GetRawData()
	if err != nil {
		response.BadRequest(c, "unreadable body")
		return
	}

	id := claims.UserID
	info := map[string]interface{}{"name": claims.Username}
	if instance := c.GetHeader(InstanceHeader); instance != "" && claims.HasRole(jwt.RoleService) {
		id = instance
		info["service"] = claims.UserID
	}

	grant, err := o.signer.AuthenticateUser(body, map[string]interface{}{
		"id":        id,
		"user_info": info,
	})
	if err != nil {
		log := pkglog.Ctx(c.Request.Context())
		log.Warn().Err(err).Str(pkglog.FieldUserID, id).Msg("user grant not signed")
		response.BadRequest(c, err.Error())
		return
	}
	response.Raw(c, grant)
}
