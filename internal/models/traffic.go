package models

import "time"

// Protocol tags used on events and in per-protocol counts
const (
	ProtoTCP   = "TCP"
	ProtoUDP   = "UDP"
	ProtoOther = "OTHER"
)

// Event is one normalized observation derived from a single captured packet
type Event struct {
	Timestamp   float64 `json:"ts"` // seconds since epoch, capture time
	Source      string  `json:"src_ip"`
	Destination string  `json:"dst_ip,omitempty"`
	Size        int     `json:"size"`
	DstPort     uint16  `json:"dport,omitempty"`
	HasDstPort  bool    `json:"has_dport"`
	Protocol    string  `json:"proto"`
	SYN         bool    `json:"syn"`
	ACK         bool    `json:"ack"`
	RST         bool    `json:"rst"`
	FIN         bool    `json:"fin"`
}

// FeatureVector summarizes one source over one evaluation window
type FeatureVector struct {
	SrcIP          string         `json:"src_ip" binding:"required"`
	TotalPackets   int            `json:"total_packets"`
	TotalBytes     int            `json:"total_bytes"`
	Duration       float64        `json:"duration"`
	PktsPerSec     float64        `json:"pkts_per_sec"`
	BytesPerSec    float64        `json:"bytes_per_sec"`
	SynCount       int            `json:"syn_count"`
	UniqueDstPorts int            `json:"unique_dst_ports"`
	Extra          *FeatureExtras `json:"extra,omitempty"`
}

// FeatureExtras carries the statistics the classifier does not consume
type FeatureExtras struct {
	WindowStart  float64        `json:"window_start"`
	WindowEnd    float64        `json:"window_end"`
	AvgPktSize   float64        `json:"avg_pkt_size"`
	UniqueDstIPs int            `json:"unique_dst_ips"`
	TCPAck       int            `json:"tcp_ack"`
	TCPRst       int            `json:"tcp_rst"`
	TCPFin       int            `json:"tcp_fin"`
	ProtoCounts  map[string]int `json:"proto_counts"`
}

// FeatureOrder is the column order the classifier expects
var FeatureOrder = []string{
	"total_packets",
	"total_bytes",
	"duration",
	"pkts_per_sec",
	"bytes_per_sec",
	"syn_count",
	"unique_dst_ports",
}

// Values returns the classifier input in FeatureOrder
func (fv FeatureVector) Values() []float64 {
	return []float64{
		float64(fv.TotalPackets),
		float64(fv.TotalBytes),
		fv.Duration,
		fv.PktsPerSec,
		fv.BytesPerSec,
		float64(fv.SynCount),
		float64(fv.UniqueDstPorts),
	}
}

// FlowRecord is a stored feature submission
type FlowRecord struct {
	ID         string        `json:"id"`
	ReceivedAt time.Time     `json:"ts_start"`
	Features   FeatureVector `json:"features"`
}

// Alert represents the outcome of one detection
type Alert struct {
	ID           string    `json:"id"`
	DetectedAt   time.Time `json:"detected_at"`
	SrcIP        string    `json:"src_ip"`
	FlowID       string    `json:"flow_id"`
	Score        float64   `json:"score"`
	Attack       bool      `json:"attack"`
	AttackType   string    `json:"attack_type,omitempty"`
	Severity     string    `json:"severity,omitempty"`
	Threshold    float64   `json:"threshold"`
	ModelVersion string    `json:"model_version"`
	Blocked      bool      `json:"blocked"`
	Note         string    `json:"note,omitempty"`
}
