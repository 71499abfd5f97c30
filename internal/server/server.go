package server

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/cnclabs/dam/internal/models/dam"
	"github.com/cnclabs/dam/pkg/reader"
)

// MaxResponses bounds the candidates scored by one request
const MaxResponses = 100

// ScoreRequest holds a context (one id list per utterance) and candidate responses
type ScoreRequest struct {
	Context   [][]int `json:"context"`
	Responses [][]int `json:"responses"`
}

// ScoreResponse holds one matching score per candidate
type ScoreResponse struct {
	Scores []float64 `json:"scores"`
}

// Server scores candidate responses with a trained network
type Server struct {
	net     *dam.Net
	data    reader.Conf
	workers int
	Router  *mux.Router
}

// New creates a server and registers its routes.
// Contexts are joined and split with data.EOS and cut with data's cut types.
func New(net *dam.Net, data reader.Conf, workers int) *Server {
	s := &Server{
		net:     net,
		data:    data,
		workers: workers,
		Router:  mux.NewRouter(),
	}
	s.Router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	s.Router.HandleFunc("/score", s.handleScore).Methods("POST")
	s.Router.HandleFunc("/config", s.handleConfig).Methods("GET")
	return s
}

// Score returns the matching score of every response against the context
func (s *Server) Score(req *ScoreRequest) []float64 {
	cfg := s.net.Config()
	conf := s.data
	conf.BatchSize = len(req.Responses)
	conf.MaxTurnNum = cfg.MaxTurnNum
	conf.MaxTurnLen = cfg.MaxTurnLen

	var flat []int
	for i, utt := range req.Context {
		if i > 0 {
			flat = append(flat, conf.EOS)
		}
		flat = append(flat, utt...)
	}

	data := &reader.Dataset{}
	for _, r := range req.Responses {
		data.Y = append(data.Y, 0)
		data.C = append(data.C, flat)
		data.R = append(data.R, r)
	}

	batches := reader.BuildBatches(data, conf)
	if batches.Len() == 0 {
		return []float64{}
	}
	return s.net.Score(batches, s.workers)[0]
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, map[string]string{"status": "ok"})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.net.Config())
}

func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	var req ScoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.Context) == 0 {
		http.Error(w, "context must hold at least one utterance", http.StatusBadRequest)
		return
	}
	if len(req.Responses) == 0 || len(req.Responses) > MaxResponses {
		http.Error(w, "responses must hold between 1 and 100 candidates", http.StatusBadRequest)
		return
	}

	scores := s.Score(&req)
	log.Printf("[server] scored %d responses against %d utterances", len(scores), len(req.Context))
	jsonResponse(w, ScoreResponse{Scores: scores})
}

func jsonResponse(w http.ResponseWriter, x interface{}) {
	bytes, err := json.Marshal(x)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(bytes)
}
