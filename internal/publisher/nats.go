package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"legsync/internal/legs"
	"legsync/internal/transit"
)

type NATSPublisher struct {
	nc          *nats.Conn
	prefix      string
	logSubjects bool
	metrics     PublisherMetrics
}

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

func NewNATSPublisher(url, prefix string, logSubjects bool, m PublisherMetrics) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("legsync"),
		nats.DisconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Printf("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return &NATSPublisher{nc: nc, prefix: subjectToken(prefix), logSubjects: logSubjects, metrics: m}, nil
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}

type LegMessage struct {
	Change    string     `json:"change"`
	LegID     int64      `json:"legId"`
	DeviceID  int64      `json:"deviceId"`
	TimeStart *time.Time `json:"timeStart,omitempty"`
	TimeEnd   *time.Time `json:"timeEnd,omitempty"`
	Activity  string     `json:"activity,omitempty"`
}

type MatchMessage struct {
	LegID      int64     `json:"legId"`
	DeviceID   int64     `json:"deviceId"`
	LineMode   string    `json:"lineMode"`
	LineName   string    `json:"lineName"`
	LegStart   time.Time `json:"legStart"`
	StartDelta float64   `json:"startDeltaSec"`
}

type BacklogMessage struct {
	MaxItems int `json:"max_items"`
}

type LabelRefreshMessage struct {
	UserIDs []int64 `json:"user_ids"`
}

func newLegMessage(change string, leg legs.Leg) LegMessage {
	msg := LegMessage{Change: change, LegID: leg.ID, DeviceID: leg.DeviceID, Activity: leg.Activity}
	// Deletions carry only the id.
	if !leg.TimeStart.IsZero() {
		msg.TimeStart, msg.TimeEnd = &leg.TimeStart, &leg.TimeEnd
	}
	return msg
}

func (p *NATSPublisher) legSubject(change string, deviceID int64) string {
	return fmt.Sprintf("%s.legs.%s.%s", p.prefix, subjectToken(change), strconv.FormatInt(deviceID, 10))
}

// LegChanged publishes a leg store change. Failures are logged only.
func (p *NATSPublisher) LegChanged(_ context.Context, change string, leg legs.Leg) {
	if err := p.publish(p.legSubject(change, leg.DeviceID), newLegMessage(change, leg)); err != nil {
		log.Printf("publish leg %d %s: %v", leg.ID, change, err)
	}
}

// LegMatched publishes a transit match written for a leg.
func (p *NATSPublisher) LegMatched(_ context.Context, leg legs.Leg, m transit.Match) {
	msg := MatchMessage{
		LegID:      leg.ID,
		DeviceID:   leg.DeviceID,
		LineMode:   m.LineMode,
		LineName:   m.LineName,
		LegStart:   m.LegStart,
		StartDelta: m.StartDelta.Seconds(),
	}
	if err := p.publish(p.legSubject("matched", leg.DeviceID), msg); err != nil {
		log.Printf("publish match of leg %d: %v", leg.ID, err)
	}
}

// TriggerBacklog asks the clustering worker to process up to maxItems
// pending endpoints.
func (p *NATSPublisher) TriggerBacklog(_ context.Context, maxItems int) error {
	return p.publish(p.prefix+".cluster.backlog", BacklogMessage{MaxItems: maxItems})
}

// RefreshLabels asks the labeling worker to recompute the users' places.
func (p *NATSPublisher) RefreshLabels(_ context.Context, userIDs []int64) error {
	return p.publish(p.prefix+".labels.refresh", LabelRefreshMessage{UserIDs: userIDs})
}

func (p *NATSPublisher) publish(subject string, msg any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if p.logSubjects {
		log.Printf("nats publish subject=%s", subject)
	}
	start := time.Now()
	err = p.nc.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	return err
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
