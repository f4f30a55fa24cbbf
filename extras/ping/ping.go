/*
 * Copyright (C) 2022 Ain Ghazal. All Rights Reversed.
 */

// Package ping implements an ICMP echo diagnostic that runs over an
// established vpn.Client tunnel, to check the data path end to end once a
// session is connected.
package ping

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/pia-foss/tunnelkit-go/internal/model"
)

// New returns a Pinger that sends ICMP echo requests for host over conn,
// the already-negotiated net.Conn a vpn.Client exposes once Start has
// completed. It needs host and, optionally, a Logger for diagnostics.
func New(host string, conn net.Conn) *Pinger {
	return &Pinger{
		conn:     conn,
		host:     host,
		Count:    3,
		Interval: time.Second,
		ID:       int(time.Now().UnixNano() & 0xffff),
		ttl:      64,
		logger:   model.NoopLogger(),
	}
}

// st holds stats about a single icmp exchange.
type st struct {
	rtt float32
	ttl uint8
}

func (s st) RTT() float32 { return s.rtt }
func (s st) TTL() uint8   { return s.ttl }

// Pinger sends a series of ICMP echo requests over a tunnel and collects
// round-trip statistics.
type Pinger struct {
	conn net.Conn
	host string

	Count    int
	Interval time.Duration
	ID       int

	// Logger receives progress output in place of stdout; defaults to a
	// no-op logger, set it via SetLogger to see replies as they arrive.
	logger model.Logger

	st  []st
	ttl int

	packetsSent int
	packetsRecv int
}

// SetLogger overrides the logger used to report each echo reply.
func (p *Pinger) SetLogger(l model.Logger) {
	if l != nil {
		p.logger = l
	}
}

// Run sends Count echo requests spaced Interval apart, stopping early if
// ctx is canceled. After each request it reads one packet and counts it as
// received; only a reply whose source and id match adds a round-trip stat.
func (p *Pinger) Run(ctx context.Context) error {
	for i := 0; i < p.Count; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		src := p.conn.LocalAddr().String()
		srcIP, _, err := net.SplitHostPort(src)
		if err != nil {
			srcIP = src
		}
		start := time.Now()
		ipck := newIcmpData(net.ParseIP(srcIP), net.ParseIP(p.host), 8, p.ttl, i, p.ID)
		if _, err := p.conn.Write(ipck); err != nil {
			return fmt.Errorf("ping: write: %w", err)
		}
		p.packetsSent++

		buf := make([]byte, 1500)
		n, err := p.conn.Read(buf)
		if err != nil {
			return fmt.Errorf("ping: read: %w", err)
		}
		p.packetsRecv++

		end := time.Now()
		p.parseEchoReply(buf[:n], start, end)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Interval):
		}
	}
	return nil
}

// Stats returns the collected per-packet round-trip stats.
func (p *Pinger) Stats() []st {
	return p.st
}

// Summary reports the aggregate loss/rtt stats to the configured logger.
func (p *Pinger) Summary() {
	if p.packetsSent == 0 {
		return
	}
	loss := 100 * (p.packetsSent - p.packetsRecv) / p.packetsSent
	var sum, sd, min, max float32
	if len(p.st) > 0 {
		min = p.st[0].rtt
	}
	for _, s := range p.st {
		sum += s.rtt
		if s.rtt < min {
			min = s.rtt
		}
		if s.rtt > max {
			max = s.rtt
		}
	}
	avg := sum / float32(len(p.st))
	for _, s := range p.st {
		sd += float32(math.Pow(float64(s.rtt-avg), 2))
	}
	sd = float32(math.Sqrt(float64(sd / float32(len(p.st)))))
	p.logger.Infof("--- %s ping statistics ---", p.host)
	p.logger.Infof("%d packets transmitted, %d received, %d%% packet loss", p.packetsSent, p.packetsRecv, loss)
	p.logger.Infof("rtt min/avg/max/stdev = %.3f/%.3f/%.3f/%.3f ms", min, avg, max, sd)
}

func newIcmpData(src, dest net.IP, typeCode, ttl, seq, id int) []byte {
	ip := &layers.IPv4{}
	ip.Version = 4
	ip.Protocol = layers.IPProtocolICMPv4
	ip.SrcIP = src
	ip.DstIP = dest
	ip.Length = 20
	ip.TTL = uint8(ttl)

	icmp := &layers.ICMPv4{}
	icmp.TypeCode = layers.ICMPv4TypeCode(uint16(typeCode) << 8)
	icmp.Id = uint16(id)
	icmp.Seq = uint16(seq)
	icmp.Checksum = 0

	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}

	now := time.Now().UnixNano()
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint64(payload, uint64(now))

	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, opts, ip, icmp, gopacket.Payload(payload)); err != nil {
		return nil
	}
	return buf.Bytes()
}

func (p *Pinger) parseEchoReply(d []byte, start, end time.Time) {
	ip := layers.IPv4{}
	icmp := layers.ICMPv4{}
	payload := gopacket.Payload{}
	decoded := []gopacket.LayerType{}
	parser := gopacket.NewDecodingLayerParser(layers.LayerTypeIPv4, &ip, &icmp, &payload)

	if err := parser.DecodeLayers(d, &decoded); err != nil {
		p.logger.Warnf("ping: decode: %s", err)
		return
	}

	for _, layerType := range decoded {
		switch layerType {
		case layers.LayerTypeIPv4:
			if ip.SrcIP.String() != p.host {
				p.logger.Warnf("ping: icmp response with wrong src %s", ip.SrcIP)
				return
			}
		case layers.LayerTypeICMPv4:
			if icmp.Id != uint16(p.ID) {
				p.logger.Warnf("ping: icmp response with wrong id")
				return
			}
		}
	}
	rtt := float32(end.Sub(start)/time.Microsecond) / 1000
	p.logger.Infof("reply from %s: icmp_seq=%d ttl=%d time=%.1f ms", ip.SrcIP, icmp.Seq, ip.TTL, rtt)
	p.st = append(p.st, st{rtt, ip.TTL})
}
