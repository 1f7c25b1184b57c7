package network

import "sync"

// connLimiter caps accepted connections in total and per remote IP, and
// concurrent inbound streams per IP. A zero cap disables that check.
type connLimiter struct {
	mu           sync.Mutex
	maxTotal     int
	maxPerIP     int
	maxStreams   int
	total        int
	connCounts   map[string]int
	streamCounts map[string]int
}

func newConnLimiter(maxTotal, maxPerIP, maxStreams int) *connLimiter {
	return &connLimiter{
		maxTotal:     maxTotal,
		maxPerIP:     maxPerIP,
		maxStreams:   maxStreams,
		connCounts:   make(map[string]int),
		streamCounts: make(map[string]int),
	}
}

func (l *connLimiter) acquireConn(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.maxTotal > 0 && l.total >= l.maxTotal {
		return false
	}
	if l.maxPerIP > 0 && l.connCounts[ip] >= l.maxPerIP {
		return false
	}
	l.total++
	l.connCounts[ip]++
	return true
}

func (l *connLimiter) releaseConn(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.connCounts[ip] == 0 {
		return
	}
	l.total--
	if l.connCounts[ip] == 1 {
		delete(l.connCounts, ip)
		return
	}
	l.connCounts[ip]--
}

func (l *connLimiter) acquireStream(ip string) bool {
	if l.maxStreams <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.streamCounts[ip] >= l.maxStreams {
		return false
	}
	l.streamCounts[ip]++
	return true
}

func (l *connLimiter) releaseStream(ip string) {
	if l.maxStreams <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.streamCounts[ip] <= 1 {
		delete(l.streamCounts, ip)
		return
	}
	l.streamCounts[ip]--
}

func (l *connLimiter) conns() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}
