// webhook-sink is a test receiver for hub deliveries. It verifies the
// signature header with its own HMAC computation over the raw body, so it
// doubles as an independent check of the signed contract.
package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"io"
	"log"
	"net/http"

	"roomsense/go-beacon-hub/internal/webhook"
)

func main() {
	addr := flag.String("addr", ":9000", "Listen address")
	secret := flag.String("secret", "", "Shared secret; empty accepts unsigned requests")

	flag.Parse()

	http.HandleFunc("/webhook", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}

		if *secret != "" {
			sig := r.Header.Get(webhook.SignatureHeader)
			if sig == "" {
				log.Printf("rejected: missing signature")
				http.Error(w, "missing signature", http.StatusUnauthorized)
				return
			}
			// Recomputed here rather than through the sender's helpers, so
			// the sink actually exercises the signed contract.
			mac := hmac.New(sha256.New, []byte(*secret))
			mac.Write(body)
			want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
			if !hmac.Equal([]byte(want), []byte(sig)) {
				log.Printf("rejected: bad signature %s", sig)
				http.Error(w, "bad signature", http.StatusUnauthorized)
				return
			}
		}

		var payload map[string]any
		if err := json.Unmarshal(body, &payload); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}

		log.Printf("received event=%v minor=%v room=%v duration=%v",
			payload["event"], payload["beacon_minor"], payload["room_name"], payload["duration_seconds"])
		w.WriteHeader(http.StatusOK)
	})

	log.Printf("webhook sink listening on %s", *addr)
	if err := http.ListenAndServe(*addr, nil); err != nil {
		log.Fatalf("listen: %v", err)
	}
}
