package main

import (
	"encoding/json"
	"flag"
	"log"
	"math/rand/v2"
	"net/http"
	"time"

	"paylink-service/internal/x402"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

const (
	errorRate   = 0.5
	contentType = "application/json"
)

// Each behaviour is mounted under its own prefix, so pointing
// x402.facilitator-url at http://localhost:8085/random-fail selects it.
func main() {
	addr := flag.String("addr", ":8085", "listen address")
	flag.Parse()

	http.HandleFunc("/always-success/verify", verifyHandler(false))
	http.HandleFunc("/always-success/settle", settleHandler)
	http.HandleFunc("/success-delayed/verify", delayed(verifyHandler(false)))
	http.HandleFunc("/success-delayed/settle", delayed(settleHandler))
	http.HandleFunc("/always-reject/verify", verifyHandler(true))
	http.HandleFunc("/always-reject/settle", settleHandler)
	http.HandleFunc("/always-fail/verify", alwaysFailHandler)
	http.HandleFunc("/always-fail/settle", alwaysFailHandler)
	http.HandleFunc("/random-fail/verify", randomFail(verifyHandler(false)))
	http.HandleFunc("/random-fail/settle", randomFail(settleHandler))
	http.HandleFunc("/supported", supportedHandler)

	log.Printf("Facilitator mock listening on %s", *addr)
	log.Fatal(http.ListenAndServe(*addr, duplicateSettleMiddleware(loggingMiddleware(http.DefaultServeMux))))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

func verifyHandler(reject bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req x402.VerifyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid request body"})
			return
		}
		if reject {
			writeJSON(w, http.StatusOK, x402.VerifyResponse{IsValid: false, InvalidReason: "insufficient_funds"})
			return
		}
		writeJSON(w, http.StatusOK, x402.VerifyResponse{IsValid: true, Payer: "0x000000000000000000000000000000000000dEaD"})
	}
}

func settleHandler(w http.ResponseWriter, r *http.Request) {
	var req x402.SettleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PaymentRequirements == nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid request body"})
		return
	}

	// a fake but well-formed 32 byte transaction hash
	a, b := uuid.New(), uuid.New()
	tx := common.BytesToHash(append(a[:], b[:]...)).Hex()
	writeJSON(w, http.StatusOK, x402.SettleResponse{
		Success:     true,
		Transaction: tx,
		Network:     req.PaymentRequirements.Network,
	})
}

func supportedHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, x402.SupportedResponse{Kinds: []x402.SupportedKind{
		{X402Version: x402.Version, Scheme: "exact", Network: "base-sepolia"},
	}})
}

func alwaysFailHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Internal Server Error"})
}

func randomFail(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if rand.Float64() < errorRate {
			alwaysFailHandler(w, r)
			return
		}
		next(w, r)
	}
}

func delayed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Duration(3+rand.IntN(6)) * time.Second)
		next(w, r)
	}
}
