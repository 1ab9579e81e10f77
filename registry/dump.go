package registry

import (
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
)

// DumpTable renders the current registry snapshot as a formatted table,
// in the style of ptpcheck's sources/client table dumps. Intended for
// operator debugging, not for machine consumption (use Snapshot for that).
func (r *Registry) DumpTable(w io.Writer) {
	table := tablewriter.NewWriter(w)
	table.SetColWidth(20)
	table.SetHeader([]string{"connection", "peer", "generation", "available"})
	for _, s := range r.Snapshot() {
		table.Append([]string{
			s.ConnectionType.String(),
			s.PeerID,
			strconv.FormatUint(uint64(s.Generation), 10),
			strconv.FormatBool(s.Available),
		})
	}
	table.Render()
}
