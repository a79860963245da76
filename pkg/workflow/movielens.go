package workflow

// MovieLensOptions configures the MovieLens preprocessing graph.
type MovieLensOptions struct {
	// ItemsPath is the converted item table joined onto interactions.
	ItemsPath string
	// Cats are the interaction columns to categorify. The joined item
	// columns are categorified with them.
	Cats []string
	// JoinOn is the item key, which must be one of Cats.
	JoinOn string
	// Labels are binarized with Threshold.
	Labels    []string
	Threshold float64
}

// NewMovieLens builds the graph
//
//	Select(cats) >> JoinExternal(items, on) >> Categorify
//	Select(labels) >> Binarize(threshold)
//
// and concatenates both branches.
func NewMovieLens(opts MovieLensOptions) (*Workflow, error) {
	joinOn := opts.JoinOn
	if joinOn == "" {
		joinOn = "movieId"
	}
	features := Select(opts.Cats...).
		Apply(&JoinExternal{Path: opts.ItemsPath, On: joinOn}).
		Apply(&Categorify{})
	if len(opts.Labels) == 0 {
		return New(features)
	}
	labels := Select(opts.Labels...).Apply(&Binarize{Threshold: opts.Threshold})
	return New(Concat(features, labels))
}
