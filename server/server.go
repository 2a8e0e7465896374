package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	"skyfeeds/models"
	"skyfeeds/savedfeeds"
)

// FeedStore is the part of the saved feeds store the HTTP API drives
type FeedStore interface {
	Load() (models.SavedFeedsState, error)
	Pin(id models.FeedID) error
	Unpin(id models.FeedID) error
	Remove(id models.FeedID) error
	Save(id models.FeedID) error
	Reorder(section models.Section, order []models.FeedID) error
	Pending() []models.PendingMutation
}

type ServerConfig struct {
	// The store holding the user's saved feeds
	Store FeedStore

	// Builds display views from store states
	Renderer *Renderer

	// Broadcast channels to pass store events to SSE clients
	Broadcaster *Broadcaster

	// Origins allowed to call the API, comma separated
	AllowOrigins string

	// Interval between keep-alive pings on SSE streams
	PingInterval time.Duration
}

type feedRequest struct {
	Feed models.FeedID `json:"feed"`
}

type reorderRequest struct {
	Section models.Section  `json:"section"`
	Order   []models.FeedID `json:"order"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Returns a fiber.App instance serving the saved feeds API
func Server(config *ServerConfig) *fiber.App {
	bc := config.Broadcaster
	store := config.Store

	pingInterval := config.PingInterval
	if pingInterval <= 0 {
		pingInterval = 5 * time.Second
	}

	app := fiber.New(fiber.Config{
		ErrorHandler: errorHandler,
	})

	// Middleware to track the latency of each request
	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		log.WithFields(log.Fields{
			"method":  c.Method(),
			"route":   c.Route().Path,
			"latency": time.Since(start),
		}).Info("Request")
		return err
	})

	app.Use(requestid.New(requestid.ConfigDefault))
	app.Use(compress.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: config.AllowOrigins,
		AllowHeaders: "Cache-Control, Content-Type",
	}))

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := app.Group("/api/feeds")

	render := func(c *fiber.Ctx) error {
		state, err := store.Load()
		if err != nil {
			return err
		}
		return c.JSON(config.Renderer.Render(c.UserContext(), state, len(store.Pending())))
	}

	api.Get("/", render)

	mutation := func(apply func(models.FeedID) error) fiber.Handler {
		return func(c *fiber.Ctx) error {
			var req feedRequest
			if err := c.BodyParser(&req); err != nil {
				return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
			}
			if err := apply(req.Feed); err != nil {
				return err
			}
			return render(c)
		}
	}

	api.Post("/pin", mutation(store.Pin))
	api.Post("/unpin", mutation(store.Unpin))
	api.Post("/remove", mutation(store.Remove))
	api.Post("/save", mutation(store.Save))

	api.Post("/reorder", func(c *fiber.Ctx) error {
		var req reorderRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
		if err := store.Reorder(req.Section, req.Order); err != nil {
			return err
		}
		return render(c)
	})

	api.Get("/pending", func(c *fiber.Ctx) error {
		return c.JSON(store.Pending())
	})

	api.Delete("/sse", func(c *fiber.Ctx) error {
		key := c.Query("key", "")
		bc.RemoveClient(key)
		return c.Status(fiber.StatusOK).SendString("OK")
	})

	api.Get("/sse", func(c *fiber.Ctx) error {
		c.Set("Content-Type", "text/event-stream")
		c.Set("Cache-Control", "no-cache")
		c.Set("Connection", "keep-alive")
		c.Set("Transfer-Encoding", "chunked")

		// Unique client key
		key := uuid.New().String()
		events := make(chan Event, 10)
		bc.AddClient(key, events)

		// Current state so clients need no separate GET
		var initial *FeedsResponse
		if state, err := store.Load(); err == nil {
			resp := config.Renderer.Render(c.UserContext(), state, len(store.Pending()))
			initial = &resp
		}

		c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
			aliveChan := time.NewTicker(pingInterval)
			defer aliveChan.Stop()
			defer func() {
				log.Infof("Cleaning up SSE stream for client: %s", key)
				bc.RemoveClient(key)
			}()

			if err := writeEvent(w, Event{Name: "init", Data: key}); err != nil {
				log.Errorf("Failed to send init event: %v", err)
				return
			}
			if initial != nil {
				if err := writeEvent(w, Event{Name: "state", Data: initial}); err != nil {
					log.Warnf("Failed to send state to client %s: %v", key, err)
					return
				}
			}

			for {
				select {
				case <-aliveChan.C:
					if err := writeEvent(w, Event{Name: "ping", Data: ""}); err != nil {
						log.Warnf("Failed to send ping to client %s: %v", key, err)
						return
					}
				case evt, ok := <-events:
					if !ok {
						log.Warnf("Event channel closed for client %s", key)
						return
					}
					if err := writeEvent(w, evt); err != nil {
						log.Warnf("Failed to send %s event to client %s: %v", evt.Name, key, err)
						return
					}
				}
			}
		}))

		return nil
	})

	return app
}

func writeEvent(w *bufio.Writer, evt Event) error {
	var data []byte
	switch v := evt.Data.(type) {
	case string:
		data = []byte(v)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("error marshalling %s event: %w", evt.Name, err)
		}
		data = encoded
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Name, data); err != nil {
		return err
	}
	return w.Flush()
}

// errorHandler maps store errors to status codes
func errorHandler(c *fiber.Ctx, err error) error {
	status, name := statusFor(err)
	if status >= fiber.StatusInternalServerError && status != fiber.StatusServiceUnavailable {
		log.WithFields(log.Fields{
			"path":  c.Path(),
			"error": err,
		}).Error("Request failed")
	}
	return c.Status(status).JSON(errorResponse{Error: name, Message: err.Error()})
}

func statusFor(err error) (int, string) {
	var fiberErr *fiber.Error
	switch {
	case errors.Is(err, savedfeeds.ErrNotLoaded):
		return fiber.StatusServiceUnavailable, "NotLoaded"
	case errors.Is(err, savedfeeds.ErrUnknownFeed):
		return fiber.StatusNotFound, "UnknownFeed"
	case errors.Is(err, savedfeeds.ErrInvalidPermutation):
		return fiber.StatusBadRequest, "InvalidPermutation"
	case errors.Is(err, savedfeeds.ErrInvalidFeedID):
		return fiber.StatusBadRequest, "InvalidFeedID"
	case errors.Is(err, savedfeeds.ErrInvalidSection):
		return fiber.StatusBadRequest, "InvalidSection"
	case errors.As(err, &fiberErr):
		return fiberErr.Code, utils.StatusMessage(fiberErr.Code)
	default:
		return fiber.StatusInternalServerError, "Internal"
	}
}
