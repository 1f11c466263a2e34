package trainer

import (
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// PlotLoss draws a crude vertical bar chart of the per-epoch training loss,
// scaled so the worst epoch fills the full height.
func PlotLoss(w io.Writer, hist []EpochStats) {
	const height = 10 // text rows
	n := len(hist)
	if n == 0 {
		fmt.Fprintln(w, "no data to plot")
		return
	}
	top := 0.0
	for _, h := range hist {
		if !math.IsNaN(h.TrainLoss) {
			top = max(top, h.TrainLoss)
		}
	}
	if top == 0 {
		top = 1
	}
	var sb strings.Builder
	for row := height; row >= 1; row-- {
		threshold := float64(row) / height
		for _, h := range hist {
			if h.TrainLoss/top >= threshold {
				sb.WriteString("█")
			} else {
				sb.WriteString(" ")
			}
		}
		sb.WriteString("\n")
	}
	sb.WriteString(strings.Repeat("─", n))
	sb.WriteString("\n")
	// epoch index every 5 columns
	for i := range hist {
		if i%5 == 0 {
			sb.WriteString(strconv.Itoa(i % 10))
		} else {
			sb.WriteString(" ")
		}
	}
	sb.WriteString("\n")
	fmt.Fprint(w, sb.String())
}
