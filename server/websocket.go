package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/xhad/docqa/internal/models"
	"github.com/xhad/docqa/pkg/scraper"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Message types exchanged over /ws.
const (
	MessageQuery    = "query"
	MessageScrape   = "scrape"
	MessageResponse = "response"
	MessageStatus   = "status"
	MessageProgress = "progress"
	MessageError    = "error"
)

type Message struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	Data    any    `json:"data,omitempty"`
}

// wsConn serializes writes; gorilla connections allow one concurrent writer.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) send(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(msg)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ws := &wsConn{conn: conn}
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("error reading message", "error", err)
			}
			return
		}
		s.handleMessage(ctx, ws, msg)
	}
}

func (s *Server) handleMessage(ctx context.Context, ws *wsConn, msg Message) {
	switch msg.Type {
	case MessageQuery:
		resp, err := s.engine.Query(ctx, models.QueryRequest{Question: msg.Content})
		if err != nil {
			s.sendMessage(ws, Message{Type: MessageError, Content: err.Error()})
			return
		}
		s.sendMessage(ws, Message{Type: MessageResponse, Data: newQueryResponse(resp)})
	case MessageScrape:
		s.scrapeAndIngest(ctx, ws, strings.TrimSpace(msg.Content))
	default:
		s.sendMessage(ws, Message{Type: MessageError, Content: fmt.Sprintf("unknown message type %q", msg.Type)})
	}
}

// scrapeAndIngest crawls url and indexes each page as plain text named by
// its URL, streaming progress back to the client.
func (s *Server) scrapeAndIngest(ctx context.Context, ws *wsConn, url string) {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "https://" + url
	}
	s.sendMessage(ws, Message{Type: MessageStatus, Content: fmt.Sprintf("Processing URL: %s", url)})

	config := s.config.Scraper
	config.BaseURL = url
	config.Logger = s.logger
	scraped := 0
	config.OnProgress = func(string) {
		scraped++
		s.sendMessage(ws, Message{Type: MessageProgress, Content: fmt.Sprintf("Scraped %d pages", scraped)})
	}

	sc, err := scraper.NewWithConfig(config)
	if err != nil {
		s.sendMessage(ws, Message{Type: MessageError, Content: fmt.Sprintf("Failed to initialize scraper: %v", err)})
		return
	}

	pages, err := sc.Scrape(ctx, url)
	if err != nil {
		s.sendMessage(ws, Message{Type: MessageError, Content: fmt.Sprintf("Failed to scrape URL: %v", err)})
		return
	}

	var ingested []models.DocumentSummary
	for _, page := range pages {
		summary, err := s.engine.IngestText(ctx, page.URL, page.Content)
		if err != nil {
			s.logger.Warn("failed to ingest page", "url", page.URL, "error", err)
			continue
		}
		ingested = append(ingested, summary)
	}

	s.sendMessage(ws, Message{
		Type:    MessageStatus,
		Content: fmt.Sprintf("Ingested %d of %d pages", len(ingested), len(pages)),
		Data:    ingested,
	})
}

func (s *Server) sendMessage(ws *wsConn, msg Message) {
	if err := ws.send(msg); err != nil {
		s.logger.Warn("error sending message", "error", err)
	}
}
