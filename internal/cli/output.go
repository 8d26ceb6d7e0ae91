package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shaiso/Conveyor/internal/domain"
)

// Output управляет форматированием вывода CLI.
type Output struct {
	jsonMode bool
	w        io.Writer // stdout для данных
	errW     io.Writer // stderr для сообщений
}

// NewOutput создаёт Output. Если jsonMode=true, данные выводятся в JSON.
func NewOutput(jsonMode bool) *Output {
	return &Output{
		jsonMode: jsonMode,
		w:        os.Stdout,
		errW:     os.Stderr,
	}
}

// Print выводит данные: таблицу или JSON в зависимости от режима.
func (o *Output) Print(headers []string, rows [][]string, jsonData any) {
	if o.jsonMode {
		o.JSON(jsonData)
		return
	}
	o.Table(headers, rows)
}

// Table выводит данные в виде таблицы через tabwriter.
func (o *Output) Table(headers []string, rows [][]string) {
	tw := tabwriter.NewWriter(o.w, 0, 0, 2, ' ', 0)

	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	dashes := make([]string, len(headers))
	for i, h := range headers {
		dashes[i] = strings.Repeat("-", len(h))
	}
	fmt.Fprintln(tw, strings.Join(dashes, "\t"))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}

	tw.Flush()
}

// JSON выводит данные в формате JSON с отступами.
func (o *Output) JSON(v any) {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

// Success выводит сообщение об успехе в stderr.
func (o *Output) Success(msg string) {
	fmt.Fprintln(o.errW, msg)
}

// Error выводит сообщение об ошибке в stderr.
func (o *Output) Error(msg string) {
	fmt.Fprintln(o.errW, "Error: "+msg)
}

var workloadHeaders = []string{"ID", "TYPE", "STATUS", "GROUP", "PRIORITY", "DATAPLANE", "DEADLINE", "CREATED"}

// Workloads выводит список workloads.
func (o *Output) Workloads(ws []domain.Workload) {
	rows := make([][]string, len(ws))
	for i := range ws {
		rows[i] = workloadRow(&ws[i])
	}
	if ws == nil {
		ws = []domain.Workload{}
	}
	o.Print(workloadHeaders, rows, ws)
}

// Workload выводит один workload: в табличном режиме с метками и причиной завершения.
func (o *Output) Workload(w *domain.Workload) {
	if o.jsonMode {
		o.JSON(w)
		return
	}
	o.Table(workloadHeaders, [][]string{workloadRow(w)})

	if w.MutexKey != "" {
		fmt.Fprintf(o.w, "\nMutex key: %s\n", w.MutexKey)
	}
	if len(w.Labels) > 0 {
		fmt.Fprintln(o.w, "\nLabels:")
		for _, l := range w.Labels {
			fmt.Fprintf(o.w, "  %s=%s\n", l.Key, l.Value)
		}
	}
	if w.TerminationReason != "" || w.TerminationSource != "" {
		fmt.Fprintf(o.w, "\nTermination: %s (source: %s)\n", w.TerminationReason, w.TerminationSource)
	}
}

func workloadRow(w *domain.Workload) []string {
	return []string{
		w.ID,
		string(w.Type),
		string(w.Status),
		w.DataplaneGroup,
		strconv.Itoa(w.Priority),
		orDash(w.DataplaneID),
		formatTimePtr(w.Deadline),
		formatTime(w.CreatedAt),
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return formatTime(*t)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
