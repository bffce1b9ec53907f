// fake-receiver is a local webhook endpoint for exercising the delivery
// pipeline. It verifies signatures the way a real subscriber would and can
// simulate flaky or slow endpoints.
package main

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gestagent/hookd/internal/signing"
)

const (
	sigHeader      = "X-Webhook-Signature"
	eventHeader    = "X-Webhook-Event"
	deliveryHeader = "X-Webhook-Delivery"
	tsHeader       = "X-Webhook-Timestamp"
)

var (
	failFirstN     = 0
	reqCount       = 0
	endpointSecret = ""
	responseDelay  = time.Duration(0)
	maxSkew        = 5 * time.Minute
)

func main() {
	if v := os.Getenv("FAIL_FIRST_N"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			failFirstN = n
		}
	}
	if v := os.Getenv("ENDPOINT_SECRET"); v != "" {
		endpointSecret = v
	}
	if v := os.Getenv("RESPONSE_DELAY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			responseDelay = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("TIMESTAMP_LEEWAY_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			maxSkew = time.Duration(n) * time.Second
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/hook", handleHook)

	addr := ":8081"
	if v := os.Getenv("FAKE_RECEIVER_ADDR"); v != "" {
		addr = v
	}
	log.Printf("fake-receiver listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, mux))
}

func handleHook(w http.ResponseWriter, r *http.Request) {
	reqCount++
	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	if responseDelay > 0 {
		time.Sleep(responseDelay)
	}

	if endpointSecret != "" {
		if ok, msg := verify(endpointSecret, b, r.Header.Get(sigHeader), r.Header.Get(tsHeader), maxSkew); !ok {
			log.Printf("fake-receiver rejected delivery %s: %s", r.Header.Get(deliveryHeader), msg)
			http.Error(w, "invalid signature: "+msg, http.StatusUnauthorized)
			return
		}
	}

	// Simulate flakiness: first N requests get a 500.
	if reqCount <= failFirstN {
		log.Printf("FAILING (%d/%d) event=%s delivery=%s body=%s",
			reqCount, failFirstN, r.Header.Get(eventHeader), r.Header.Get(deliveryHeader), truncate(string(b), 160))
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	log.Printf("fake-receiver OK event=%s delivery=%s body=%q",
		r.Header.Get(eventHeader), r.Header.Get(deliveryHeader), truncate(string(b), 160))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

// verify checks the signature over the exact body bytes and rejects stale
// timestamps. The timestamp is advisory (replay window), not part of the MAC.
func verify(secret string, body []byte, sig, ts string, leeway time.Duration) (bool, string) {
	if sig == "" {
		return false, "missing signature header"
	}
	if ts != "" {
		unix, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return false, "invalid timestamp"
		}
		if abs64(time.Now().Unix()-unix) > int64(leeway.Seconds()) {
			return false, "timestamp outside leeway"
		}
	}
	if !signing.Verify(body, []byte(secret), sig) {
		return false, "sig mismatch"
	}
	return true, ""
}

func abs64(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
