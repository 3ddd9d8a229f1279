package rabbit_test

import (
	"net/http"

	"github.com/53js/rabbit"
)

func ExampleNewRouter() {
	cfg := rabbit.DefaultConfig()
	cfg.Port = 8080
	r, err := rabbit.NewRouter(cfg)
	if err != nil {
		panic("NewRouter: " + err.Error())
	}
	defer r.Close()
}

func ExampleRouter_Use() {
	r, err := rabbit.NewRouter(&rabbit.Config{
		Path:             "/ws",
		HTTPServers:      []*http.Server{{Addr: ":8080"}},
		AutoCreateRealms: true,
	})
	if err != nil {
		panic(err)
	}

	// refuse publications carrying keyword arguments
	r.Use(rabbit.PUBLISH, func(s *rabbit.Session, msg rabbit.Message, next rabbit.Next) error {
		if pub := msg.(*rabbit.Publish); len(pub.ArgumentsKw) > 0 {
			return s.Error(rabbit.PUBLISH, pub.Request, rabbit.ErrInvalidArgument)
		}
		return next(nil)
	})
}
