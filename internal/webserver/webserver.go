package webserver

import (
	"fmt"

	"github.com/chatlinehq/crmbridge/config"
	"github.com/golang-jwt/jwt/v4"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// WebServer hosts the admin API (JWT-protected, under /api) and the open
// CRM callback surface (under /callback).
type WebServer struct {
	root *echo.Echo
	api  *echo.Group
	pub  *echo.Group
	cfg  *config.AppConfig
	db   *gorm.DB
}

var server *WebServer

// Init builds the singleton web server.
func Init(cfg *config.AppConfig, db *gorm.DB) *WebServer {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI: true, LogStatus: true, LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			zap.L().Debug("http request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status))
			return nil
		},
	}))

	api := e.Group("/api")
	api.Use(echojwt.WithConfig(echojwt.Config{
		SigningKey: []byte(cfg.Web.Secret),
	}))

	pub := e.Group("")

	server = &WebServer{root: e, api: api, pub: pub, cfg: cfg, db: db}
	return server
}

// Listen starts serving on the configured host and port.
func Listen() error {
	if server == nil {
		return fmt.Errorf("webserver: not initialized")
	}
	addr := fmt.Sprintf("%s:%d", server.cfg.Web.Host, server.cfg.Web.Port)
	zap.L().Info("webserver: listening", zap.String("addr", addr))
	return server.root.Start(addr)
}

// Shutdown is exposed for tests and graceful stop.
func Shutdown() {
	if server != nil {
		_ = server.root.Close()
	}
}

// DB returns the shared database handle for handlers, nil before Init.
func DB() *gorm.DB {
	if server == nil {
		return nil
	}
	return server.db
}

// IssueToken signs a JWT for an authenticated operator.
func IssueToken(claims jwt.MapClaims) (string, error) {
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString([]byte(server.cfg.Web.Secret))
}

// JWT-protected admin API routes.

func ApiGET(path string, h echo.HandlerFunc) {
	server.api.GET(path, h)
}

func ApiPOST(path string, h echo.HandlerFunc) {
	server.api.POST(path, h)
}

func ApiPUT(path string, h echo.HandlerFunc) {
	server.api.PUT(path, h)
}

func ApiDELETE(path string, h echo.HandlerFunc) {
	server.api.DELETE(path, h)
}

// Open routes: CRM-host callbacks and login.

func PubGET(path string, h echo.HandlerFunc) {
	server.pub.GET(path, h)
}

func PubPOST(path string, h echo.HandlerFunc) {
	server.pub.POST(path, h)
}
