// ridewire-sim drives a fulfiller or requester session against a ridewire
// server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/eldtechnologies/ridewire/clients/go/ridewire"
	"github.com/eldtechnologies/ridewire/internal/dispatch"
	"github.com/eldtechnologies/ridewire/internal/protocol"
)

type options struct {
	url      string
	token    string
	role     string
	lat      float64
	lng      float64
	heading  float64
	speed    float64
	interval time.Duration
	legs     int
	origin   string
	dest     string
}

func main() {
	var o options
	pflag.StringVar(&o.url, "url", envOr("RIDEWIRE_URL", "http://localhost:8080"), "server URL")
	pflag.StringVar(&o.token, "token", os.Getenv("RIDEWIRE_TOKEN"), "bearer token (see minttoken)")
	pflag.StringVar(&o.role, "role", "fulfiller", "fulfiller, requester or health")
	pflag.Float64Var(&o.lat, "lat", 52.5200, "start latitude")
	pflag.Float64Var(&o.lng, "lng", 13.4050, "start longitude")
	pflag.Float64Var(&o.heading, "heading", 90, "fulfiller heading in degrees")
	pflag.Float64Var(&o.speed, "speed", 12, "fulfiller speed in m/s")
	pflag.DurationVar(&o.interval, "interval", 2*time.Second, "location update interval")
	pflag.IntVar(&o.legs, "legs", 10, "location updates per trip phase")
	pflag.StringVar(&o.origin, "origin", "Alexanderplatz", "requester pickup description")
	pflag.StringVar(&o.dest, "dest", "Tegel", "requester drop-off description")
	pflag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: ridewire-sim [flags]")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := ridewire.NewClient(o.url, o.token)

	var err error
	switch o.role {
	case "health":
		var h *ridewire.HealthResponse
		h, err = client.Health(ctx)
		if err == nil {
			printJSON(h)
		}
	case "fulfiller":
		err = runFulfiller(ctx, client, o)
	case "requester":
		err = runRequester(ctx, client, o)
	default:
		err = fmt.Errorf("unknown role %q", o.role)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func connect(ctx context.Context, c *ridewire.Client) error {
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	s, err := c.Connect(cctx)
	if err != nil {
		return err
	}
	fmt.Printf("connected as %s (%s) on %v\n", s.Identity, s.Kind, s.Channels)
	return nil
}

// runFulfiller goes available, accepts the first request offered, then
// drives towards pickup and on to drop-off while reporting positions.
func runFulfiller(ctx context.Context, c *ridewire.Client, o options) error {
	if err := connect(ctx, c); err != nil {
		return err
	}
	defer c.Close()

	if err := c.SetAvailable(ctx, true); err != nil {
		return err
	}
	fmt.Println("available, waiting for requests")

	pos := position{lat: o.lat, lng: o.lng}
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	var current *ridewire.Request
	step := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.Done():
			return errors.New("connection closed by server")

		case f, ok := <-c.Events():
			if !ok {
				return errors.New("connection closed by server")
			}
			logFrame(f)
			if f.Event != protocol.EventRequestNew || current != nil {
				continue
			}
			var ev dispatch.RequestEvent
			if err := json.Unmarshal(f.Data, &ev); err != nil {
				continue
			}
			req, err := c.Accept(ctx, ev.Request.ID)
			if err != nil {
				fmt.Println("accept failed:", err)
				continue
			}
			current, step = req, 0
			fmt.Printf("accepted %s: %s -> %s\n", req.ID, req.OriginDesc, req.DestDesc)

		case <-ticker.C:
			pos = pos.advance(o.heading, o.speed*o.interval.Seconds())
			changes, err := c.UpdateLocation(ctx, pos.update(o.heading, o.speed))
			if err != nil {
				fmt.Println("location update failed:", err)
			}
			for _, ch := range changes {
				fmt.Printf("zone %s %s\n", ch.Transition, ch.ZoneID)
			}
			if current == nil {
				continue
			}
			step++
			switch step {
			case o.legs:
				if _, err := c.Start(ctx, current.ID); err != nil {
					return err
				}
				fmt.Println("trip started", current.ID)
			case 2 * o.legs:
				if _, err := c.Complete(ctx, current.ID); err != nil {
					return err
				}
				fmt.Println("trip completed", current.ID)
				current = nil
			}
		}
	}
}

// runRequester opens one request and prints its progress until it ends.
func runRequester(ctx context.Context, c *ridewire.Client, o options) error {
	if err := connect(ctx, c); err != nil {
		return err
	}
	defer c.Close()

	req, err := c.CreateRequest(ctx, protocol.RequestCreate{OriginDesc: o.origin, DestDesc: o.dest})
	if err != nil {
		return err
	}
	fmt.Printf("request %s pending\n", req.ID)

	for {
		select {
		case <-ctx.Done():
			cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := c.Cancel(cctx, req.ID, "requester left"); err == nil {
				fmt.Println("request cancelled")
			}
			return ctx.Err()
		case f, ok := <-c.Events():
			if !ok {
				return errors.New("connection closed by server")
			}
			logFrame(f)
			switch f.Event {
			case protocol.EventRequestCompleted, protocol.EventRequestCancelled, protocol.EventRequestTimeout:
				return nil
			}
		}
	}
}

type position struct{ lat, lng float64 }

const earthRadius = 6371008.8

// advance moves meters along heading on a sphere.
func (p position) advance(heading, meters float64) position {
	d := meters / earthRadius
	h := heading * math.Pi / 180
	lat1 := p.lat * math.Pi / 180
	lng1 := p.lng * math.Pi / 180
	lat2 := math.Asin(math.Sin(lat1)*math.Cos(d) + math.Cos(lat1)*math.Sin(d)*math.Cos(h))
	lng2 := lng1 + math.Atan2(math.Sin(h)*math.Sin(d)*math.Cos(lat1), math.Cos(d)-math.Sin(lat1)*math.Sin(lat2))
	return position{lat: lat2 * 180 / math.Pi, lng: lng2 * 180 / math.Pi}
}

func (p position) update(heading, speed float64) protocol.LocationUpdate {
	lat, lng := p.lat, p.lng
	return protocol.LocationUpdate{Lat: &lat, Lng: &lng, Heading: &heading, Speed: &speed}
}

func logFrame(f protocol.Frame) {
	fmt.Printf("<- %s %s\n", f.Event, string(f.Data))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printJSON(v interface{}) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}
