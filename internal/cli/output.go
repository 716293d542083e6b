package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
)

// Output печатает результаты команд. Данные идут в w (таблица или JSON
// при --json), сообщения о статусе в errW, чтобы stdout оставался
// пригодным для пайпов.
type Output struct {
	jsonMode bool
	w        io.Writer
	errW     io.Writer
}

// NewOutput пишет в stdout/stderr.
func NewOutput(jsonMode bool) *Output {
	return NewOutputTo(os.Stdout, os.Stderr, jsonMode)
}

// NewOutputTo пишет в заданные writer'ы (тесты).
func NewOutputTo(w, errW io.Writer, jsonMode bool) *Output {
	return &Output{jsonMode: jsonMode, w: w, errW: errW}
}

// Print выводит строки таблицы или jsonData.
func (o *Output) Print(headers []string, rows [][]string, jsonData any) {
	if o.jsonMode {
		o.JSON(jsonData)
		return
	}
	o.Table(headers, rows)
}

// Fields выводит карточку "ключ: значение" в порядке keys или jsonData.
func (o *Output) Fields(keys []string, values map[string]string, jsonData any) {
	if o.jsonMode {
		o.JSON(jsonData)
		return
	}
	o.tabular(func(tw io.Writer) {
		for _, k := range keys {
			fmt.Fprintf(tw, "%s:\t%s\n", k, values[k])
		}
	})
}

// Table выводит таблицу с подчёркнутыми заголовками.
func (o *Output) Table(headers []string, rows [][]string) {
	underline := make([]string, len(headers))
	for i, h := range headers {
		underline[i] = strings.Repeat("-", len(h))
	}
	o.tabular(func(tw io.Writer) {
		for _, row := range append([][]string{headers, underline}, rows...) {
			fmt.Fprintln(tw, strings.Join(row, "\t"))
		}
	})
}

func (o *Output) tabular(write func(tw io.Writer)) {
	tw := tabwriter.NewWriter(o.w, 0, 0, 2, ' ', 0)
	write(tw)
	if err := tw.Flush(); err != nil {
		o.Error(err.Error())
	}
}

// JSON выводит v с отступами.
func (o *Output) JSON(v any) {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		o.Error("encode json: " + err.Error())
	}
}

// Line выводит строку данных.
func (o *Output) Line(s string) {
	fmt.Fprintln(o.w, s)
}

// Success выводит статусное сообщение.
func (o *Output) Success(msg string) {
	fmt.Fprintln(o.errW, msg)
}

// Error выводит сообщение об ошибке.
func (o *Output) Error(msg string) {
	fmt.Fprintln(o.errW, "Error: "+msg)
}
