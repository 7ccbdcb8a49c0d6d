// Package web serves the local HTTP status and control surface.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"gnsshal/internal/device"
	"gnsshal/internal/eventbus"
)

// Deps are the pieces the handler exposes. Nil members disable their routes.
type Deps struct {
	Status     *Status
	Signals    *device.Signals
	Logs       *LogBuffer
	Location   http.Handler
	Satellites http.Handler
}

type controlResponse struct {
	OK      bool   `json:"ok"`
	Result  int    `json:"result"`
	Handled bool   `json:"handled"`
	State   string `json:"state,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func Handler(d Deps) http.Handler {
	mux := http.NewServeMux()
	status := d.Status
	if status == nil {
		status = NewStatus(nil, nil, nil)
	}

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if !allow(w, r, http.MethodGet) {
			return
		}
		writeJSON(w, http.StatusOK, status.Snapshot(time.Now().UTC()))
	})

	if d.Signals != nil {
		mux.Handle("/api/start", controlHandler(d.Signals.Start, status))
		mux.Handle("/api/stop", controlHandler(d.Signals.Stop, status))
		mux.Handle("/api/position_mode", requestHandler(d.Signals.SetPositionMode, positionModeBody.request))
		mux.Handle("/api/inject_location", requestHandler(d.Signals.InjectLocation, injectLocationBody.request))
	}

	if d.Logs != nil {
		mux.Handle("/api/logs", d.Logs.Handler())
	}

	if d.Location != nil {
		mux.Handle("/ws/location", d.Location)
	}
	if d.Satellites != nil {
		mux.Handle("/ws/satellites", d.Satellites)
	}

	return mux
}

// controlHandler publishes req and reports the subscriber's result code.
// A non-zero result is a conflict: the controller refused the transition.
func controlHandler(req *eventbus.Request[eventbus.Void, int], status *Status) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !allow(w, r, http.MethodPost) {
			return
		}
		rc, handled := req.Publish(eventbus.Void{})
		resp := controlResponse{OK: handled && rc == 0, Result: rc, Handled: handled}
		if status.Controller != nil {
			resp.State = status.Controller.Snapshot().State
		}
		code := http.StatusOK
		switch {
		case !handled:
			code = http.StatusServiceUnavailable
		case rc != 0:
			code = http.StatusConflict
		}
		writeJSON(w, code, resp)
	})
}

type positionModeBody struct {
	Mode               int    `json:"mode"`
	Recurrence         string `json:"recurrence"`
	MinIntervalMS      int64  `json:"min_interval_ms"`
	PreferredAccuracyM int    `json:"preferred_accuracy_m"`
	PreferredTimeMS    int64  `json:"preferred_time_ms"`
}

func (b positionModeBody) request() (device.PositionModeRequest, error) {
	req := device.PositionModeRequest{
		Mode:              device.PositionMode(b.Mode),
		MinInterval:       time.Duration(b.MinIntervalMS) * time.Millisecond,
		PreferredAccuracy: b.PreferredAccuracyM,
		PreferredTime:     time.Duration(b.PreferredTimeMS) * time.Millisecond,
	}
	switch b.Recurrence {
	case "", "periodic":
		req.Recurrence = device.RecurrencePeriodic
	case "single":
		req.Recurrence = device.RecurrenceSingle
	default:
		return req, fmt.Errorf("unknown recurrence %q", b.Recurrence)
	}
	return req, nil
}

type injectLocationBody struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Accuracy  float64  `json:"accuracy"`
}

func (b injectLocationBody) request() (device.LocationInjection, error) {
	if b.Latitude == nil || b.Longitude == nil {
		return device.LocationInjection{}, fmt.Errorf("latitude and longitude are required")
	}
	return device.LocationInjection{Latitude: *b.Latitude, Longitude: *b.Longitude, Accuracy: b.Accuracy}, nil
}

// requestHandler decodes a JSON body of type B, converts it and publishes it
// on req. Status codes follow controlHandler.
func requestHandler[B any, A any](req *eventbus.Request[A, int], convert func(B) (A, error)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !allow(w, r, http.MethodPost) {
			return
		}
		var body B
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&body); err != nil {
			http.Error(w, "bad request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		arg, err := convert(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		rc, handled := req.Publish(arg)
		code := http.StatusOK
		switch {
		case !handled:
			code = http.StatusServiceUnavailable
		case rc != 0:
			code = http.StatusConflict
		}
		writeJSON(w, code, controlResponse{OK: handled && rc == 0, Result: rc, Handled: handled})
	})
}

func Serve(ctx context.Context, listenAddr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		// Websocket clients are hijacked; Shutdown does not wait for them.
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
