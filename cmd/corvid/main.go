package main

import (
	"log"
	"net/http"
	"os"
	"os/signal"

	"github.com/corvidchat/corvid/api"
	"github.com/corvidchat/corvid/auth"
	"github.com/corvidchat/corvid/config"
	"github.com/corvidchat/corvid/globals"
	"github.com/corvidchat/corvid/persistence"
	"github.com/corvidchat/corvid/ws"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/pflag"
)

var (
	configPath = pflag.StringP("config", "c", "", "path to config file or directory")
	addr       = pflag.String("addr", "localhost:8000", "service address (including port)")
	sslCert    = pflag.String("ssl-cert", "", "SSL cert (optional)")
	sslKey     = pflag.String("ssl-key", "", "SSL key (optional)")

	upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
)

func main() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)

	go func() {
		<-c
		log.Fatal("interrupted!")
	}()

	pflag.Parse()
	log.SetFlags(0)

	cfg, err := config.ReadConfiguration(*configPath, config.GetFlagSet())
	if err != nil {
		panic(err)
	}

	if cfg.LogLevel != "" {
		globals.AppLogger.SetLevel(hclog.LevelFromString(cfg.LogLevel))
	}

	persister, err := persistence.NewGormPersister(cfg)
	if err != nil {
		panic(err)
	}
	if persister == nil {
		panic("no persistence configured")
	}
	defer persister.Close()

	hub, err := ws.NewHub(cfg, persister)
	if err != nil {
		panic(err)
	}
	go hub.Run()

	handler := api.NewHandler(cfg, persister, hub)

	router := mux.NewRouter()
	router.Use(api.Logging)
	handler.AddRoutes(router.PathPrefix("/api").Subrouter())
	router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		websocketHandler(w, r, cfg, persister, hub)
	})

	globals.AppLogger.Info("listening", "addr", *addr)
	if *sslCert != "" && *sslKey != "" {
		err = http.ListenAndServeTLS(*addr, *sslCert, *sslKey, router)
	} else {
		err = http.ListenAndServe(*addr, router)
	}
	globals.AppLogger.Error("server stopped", "error", err)
}

// websocketHandler authenticates the handshake (session token or OIDC
// id-token), resolves the user and hands the upgraded connection to the hub.
func websocketHandler(w http.ResponseWriter, r *http.Request, cfg *config.Config, persister persistence.Persister, hub *ws.Hub) {
	vals := r.URL.Query()

	userId := ""
	if token := vals.Get("token"); token != "" {
		id, err := auth.VerifyToken(token, cfg)
		if err != nil {
			globals.AppLogger.Debug("token verification failed", "error", err)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		userId = id
	} else if idToken := vals.Get("id_token"); idToken != "" {
		if provider := vals.Get("provider"); provider != "" {
			email, err := auth.Authenticate(idToken, provider, cfg)
			if err != nil || email == "" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			// OIDC identities map onto accounts via the username
			user, err := persister.GetUserByUsername(email)
			if err != nil {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			userId = user.Id
		}
	}
	if userId == "" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	user, err := persister.GetUser(userId)
	if err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		globals.AppLogger.Error("websocket upgrade error", "error", err)
		return
	}

	// blocks until the connection is gone
	hub.ServeClient(conn, user)
}
