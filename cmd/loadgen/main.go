// loadgen generates synthetic syslog traffic against a collector. It
// speaks both message formats over UDP or TCP and is the tool we use to
// exercise intake under load.
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net"
	"time"

	"github.com/brianvoe/gofakeit/v6"
)

var (
	addr       = flag.String("addr", "127.0.0.1:5514", "Collector address")
	transport  = flag.String("transport", "udp", "Transport: udp or tcp")
	count      = flag.Int("count", 1000, "Number of messages to send")
	interval   = flag.Duration("interval", time.Millisecond, "Interval between messages")
	formatMix  = flag.Float64("structured-ratio", 0.5, "Fraction of messages in the structured format (0..1)")
	sources    = flag.Int("sources", 20, "Number of distinct simulated hosts")
	badRatio   = flag.Float64("bad-ratio", 0, "Fraction of deliberately malformed messages (0..1)")
	timeSpread = flag.Duration("time-spread", 0, "Spread message timestamps over this period (0 for now)")
)

type host struct {
	name string
	app  string
	pid  int
}

func main() {
	flag.Parse()

	gofakeit.Seed(time.Now().UnixNano())

	conn, err := net.Dial(*transport, *addr)
	if err != nil {
		log.Fatalf("Failed to connect to %s/%s: %v", *transport, *addr, err)
	}
	defer conn.Close()

	log.Printf("Starting load generator:")
	log.Printf("  Target: %s/%s", *transport, *addr)
	log.Printf("  Messages: %d", *count)
	log.Printf("  Interval: %v", *interval)
	log.Printf("  Structured ratio: %.2f", *formatMix)
	log.Printf("  Simulated hosts: %d", *sources)

	hosts := make([]host, *sources)
	for i := range hosts {
		hosts[i] = host{
			name: gofakeit.DomainName(),
			app:  []string{"sshd", "sudo", "nginx", "cron", "kernel", "postfix", "systemd"}[rand.Intn(7)],
			pid:  rand.Intn(65535) + 1,
		}
	}

	sent := 0
	failed := 0

	for i := 0; i < *count; i++ {
		h := hosts[rand.Intn(len(hosts))]
		msg := generate(h)

		if *transport != "udp" {
			// RFC 6587 octet-counted framing on stream transports.
			msg = fmt.Sprintf("%d %s", len(msg), msg)
		}

		if _, err := conn.Write([]byte(msg)); err != nil {
			failed++
			log.Printf("Write failed: %v", err)
		} else {
			sent++
			if sent%500 == 0 {
				log.Printf("Progress: %d/%d messages sent", sent, *count)
			}
		}

		if *interval > 0 && i < *count-1 {
			time.Sleep(*interval)
		}
	}

	log.Printf("Load generation complete:")
	log.Printf("  Sent: %d messages", sent)
	log.Printf("  Failed: %d messages", failed)
}

func generate(h host) string {
	if rand.Float64() < *badRatio {
		return malformed()
	}

	facility := []int{0, 3, 4, 10, 16, 23}[rand.Intn(6)]
	severity := weightedSeverity()
	pri := facility*8 + severity
	ts := eventTime()

	if rand.Float64() < *formatMix {
		return structured(pri, ts, h)
	}
	return legacy(pri, ts, h)
}

// weightedSeverity skews toward informational, the shape of real fleets.
func weightedSeverity() int {
	r := rand.Float64()
	switch {
	case r < 0.60:
		return 6
	case r < 0.80:
		return 5
	case r < 0.92:
		return 4
	case r < 0.98:
		return 3
	default:
		return rand.Intn(3)
	}
}

func eventTime() time.Time {
	now := time.Now()
	if *timeSpread > 0 {
		return now.Add(-time.Duration(rand.Int63n(int64(*timeSpread))))
	}
	return now
}

func legacy(pri int, ts time.Time, h host) string {
	return fmt.Sprintf("<%d>%s %s %s[%d]: %s",
		pri, ts.Format(time.Stamp), h.name, h.app, h.pid, message(h.app))
}

func structured(pri int, ts time.Time, h host) string {
	sd := fmt.Sprintf(`[origin@32473 ip="%s" software="%s"]`, gofakeit.IPv4Address(), h.app)
	return fmt.Sprintf("<%d>1 %s %s %s %d %s %s %s",
		pri, ts.Format(time.RFC3339), h.name, h.app, h.pid,
		fmt.Sprintf("ID%d", rand.Intn(1000)), sd, message(h.app))
}

func malformed() string {
	bad := []string{
		"",
		"<>no priority digits",
		"<1923>1 over range",
		"<abc>garbage priority",
		"completely freeform line with no syslog shape at all",
	}
	return bad[rand.Intn(len(bad))]
}

func message(app string) string {
	switch app {
	case "sshd":
		if rand.Float64() < 0.3 {
			return fmt.Sprintf("Failed password for %s from %s port %d ssh2",
				gofakeit.Username(), gofakeit.IPv4Address(), rand.Intn(65535-1024)+1024)
		}
		return fmt.Sprintf("Accepted publickey for %s from %s port %d ssh2",
			gofakeit.Username(), gofakeit.IPv4Address(), rand.Intn(65535-1024)+1024)
	case "sudo":
		return fmt.Sprintf("%s : TTY=pts/0 ; PWD=/home/%s ; USER=root ; COMMAND=%s",
			gofakeit.Username(), gofakeit.Username(),
			[]string{"/usr/bin/systemctl restart nginx", "/bin/cat /var/log/auth.log", "/usr/bin/apt update"}[rand.Intn(3)])
	case "nginx":
		return fmt.Sprintf(`%s - - "GET %s HTTP/1.1" %d %d "%s"`,
			gofakeit.IPv4Address(),
			[]string{"/api/v1/events", "/healthz", "/index.html", "/metrics"}[rand.Intn(4)],
			[]int{200, 200, 200, 301, 404, 500}[rand.Intn(6)],
			rand.Intn(100000), gofakeit.UserAgent())
	case "cron":
		return fmt.Sprintf("(%s) CMD (%s)", gofakeit.Username(),
			[]string{"/opt/scripts/backup.sh", "run-parts /etc/cron.hourly", "/usr/bin/certbot renew"}[rand.Intn(3)])
	case "kernel":
		return fmt.Sprintf("IN=eth0 OUT= SRC=%s DST=%s PROTO=TCP SPT=%d DPT=%d",
			gofakeit.IPv4Address(), gofakeit.IPv4Address(),
			rand.Intn(65535-1024)+1024, []int{22, 80, 443, 3306}[rand.Intn(4)])
	default:
		return gofakeit.HackerPhrase()
	}
}
