package hardware

type attrWriter interface {
	Write(rel string, v any) error
}

// writeRange stores a min/max pair whose kernel interface rejects a minimum
// above the current maximum and vice versa. When the minimum cannot be
// written first the maximum is written before retrying it.
func writeRange(w attrWriter, minPath string, minVal uint64, maxPath string, maxVal uint64) error {
	if err := w.Write(minPath, minVal); err != nil {
		if err := w.Write(maxPath, maxVal); err != nil {
			return err
		}
		if err := w.Write(minPath, minVal); err != nil {
			return err
		}
	}

	return w.Write(maxPath, maxVal)
}
