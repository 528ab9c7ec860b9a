package diag

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/hako/durafmt"

	"github.com/nmxmxh/ledgersim/kernel/threads/ledger"
)

// Reporter prints snapshots as plain tables.
type Reporter struct {
	out  io.Writer
	topN int

	title *color.Color
	good  *color.Color
	bad   *color.Color
	dim   *color.Color
}

// NewReporter writes to out. When the population is larger than twice topN
// only the topN richest and poorest actors are listed.
func NewReporter(out io.Writer, topN int, colorize bool) *Reporter {
	r := &Reporter{
		out:   out,
		topN:  topN,
		title: color.New(color.FgCyan, color.Bold),
		good:  color.New(color.FgGreen),
		bad:   color.New(color.FgRed),
		dim:   color.New(color.Faint),
	}
	for _, c := range []*color.Color{r.title, r.good, r.bad, r.dim} {
		if colorize {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return r
}

// FormatElapsed renders a duration the way reports show it.
func FormatElapsed(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return durafmt.Parse(d.Round(time.Millisecond)).LimitFirstN(2).String()
}

// Periodic prints the short status line and the ranked actors.
func (r *Reporter) Periodic(s Snapshot) {
	r.title.Fprintf(r.out, "[%s] ", FormatElapsed(s.Elapsed))
	fmt.Fprintf(r.out, "blocks %d/%d  users alive %d/%d  queued %d\n",
		s.Blocks, s.Capacity, s.AliveUsers(), len(s.Users), s.Queued())
	r.users(s, r.topN)
	r.nodes(s, r.topN)
}

// Final prints the closing report with every actor.
func (r *Reporter) Final(s Snapshot) {
	r.title.Fprintln(r.out, strings.Repeat("=", 60))
	r.title.Fprintf(r.out, "Simulation ended: %s\n", s.Reason)
	r.title.Fprintln(r.out, strings.Repeat("=", 60))
	fmt.Fprintf(r.out, "elapsed            %s\n", FormatElapsed(s.Elapsed))
	fmt.Fprintf(r.out, "blocks committed   %d/%d\n", s.Blocks, s.Capacity)
	fmt.Fprintf(r.out, "users alive        %d/%d\n", s.AliveUsers(), len(s.Users))
	fmt.Fprintf(r.out, "early deaths       %d\n", s.EarlyDeaths)
	fmt.Fprintf(r.out, "unprocessed        %d\n", s.Unprocessed())
	r.users(s, 0)
	r.nodes(s, 0)
}

func (r *Reporter) users(s Snapshot, n int) {
	top, bottom, trimmed := extremes(s.RankUsers(), n)
	r.title.Fprintln(r.out, "USERS")
	fmt.Fprintf(r.out, "  %-8s %-6s %12s %8s\n", "pid", "state", "balance", "failed")
	for _, u := range top {
		r.user(u)
	}
	if trimmed {
		r.dim.Fprintf(r.out, "  ... %d more ...\n", len(s.Users)-2*n)
		for _, u := range bottom {
			r.user(u)
		}
	}
}

func (r *Reporter) user(u ledger.UserRecord) {
	state := r.good.Sprint("alive")
	if !u.Alive {
		state = r.bad.Sprint("dead ")
	}
	fmt.Fprintf(r.out, "  %-8d %s  %12d %8d\n", u.Pid, state, u.Budget, u.Failed)
}

func (r *Reporter) nodes(s Snapshot, n int) {
	top, bottom, trimmed := extremes(s.RankNodes(), n)
	r.title.Fprintln(r.out, "NODES")
	fmt.Fprintf(r.out, "  %-8s %8s %12s %12s\n", "pid", "blocks", "reward", "unprocessed")
	for _, node := range top {
		r.node(node)
	}
	if trimmed {
		r.dim.Fprintf(r.out, "  ... %d more ...\n", len(s.Nodes)-2*n)
		for _, node := range bottom {
			r.node(node)
		}
	}
}

func (r *Reporter) node(n ledger.NodeRecord) {
	fmt.Fprintf(r.out, "  %-8d %8d %12d %12d\n", n.Pid, n.Blocks, n.Reward, n.Unprocessed)
}
