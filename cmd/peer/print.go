package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/peer/negotiation"
	"github.com/dkeye/Huddle/internal/protocol"
)

// printer serializes terminal output from the coordinator callbacks.
type printer struct {
	mu sync.Mutex
	w  io.Writer
}

func newPrinter(w io.Writer) *printer {
	return &printer{w: w}
}

func (p *printer) line(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format+"\n", args...)
}

func (p *printer) members(self domain.Member, others []domain.Member) {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"#", "Name", "ID"})
	t.AppendRow(table.Row{1, self.DisplayName + " (you)", self.ID})
	for i, m := range others {
		t.AppendRow(table.Row{i + 2, m.DisplayName, m.ID})
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, t.Render())
}

func (p *printer) sessions(infos []negotiation.SessionInfo) {
	if len(infos) == 0 {
		return
	}
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Peer", "Name", "State"})
	for _, s := range infos {
		t.AppendRow(table.Row{s.Peer, s.Name, s.State.String()})
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, t.Render())
}

func (p *printer) chat(m protocol.NewMessage) {
	p.line("[%s] %s: %s", m.SentAt.Format("15:04:05"), m.Sender, m.Text)
}
