package envelope

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
)

// knownEventTypes lists the v1 event types. Events outside the set are still
// accepted; the set only drives data-quality reporting.
var knownEventTypes = mapset.NewThreadUnsafeSet(
	// publish
	"publish.asset.usd",
	"publish.anim.usd",
	"publish.camera.usd",
	"publish.customanim.usd",
	"publish.previs_asset.usd",
	// tools
	"dcc.launch",
	"file.open",
	"file.create",
	"shot.setup",
	"playblast.create",
	"build.houdini.component",
	"texture.export.substance",
	"texture.convert.tex",
	// farm
	"tractor.job.spool",
	"tractor.farm.snapshot",
	// render
	"render.stats.summary",
	// storage
	"storage.scan.summary",
	"storage.scan.bucket",
)

// IsKnownEventType reports whether t is a v1 event type.
func IsKnownEventType(t string) bool {
	return knownEventTypes.Contains(t)
}

// KnownEventTypes returns the known types in sorted order.
func KnownEventTypes() []string {
	types := knownEventTypes.ToSlice()
	sort.Strings(types)
	return types
}
