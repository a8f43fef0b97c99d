package agents

// adjectives and nouns form the two-word PascalCase agent name
// dictionary. Self-authored: no concrete namesgenerator source file was
// found in the reference corpus to adapt.
var adjectives = []string{
	"Alpha", "Beta", "Gamma", "Delta", "Amber", "Azure", "Crimson", "Coral",
	"Ember", "Frost", "Golden", "Hollow", "Indigo", "Ivory", "Jade", "Lunar",
	"Mossy", "Nimble", "Opal", "Polar", "Quiet", "Rustic", "Sable", "Silver",
	"Solar", "Swift", "Umber", "Velvet", "Violet", "Wild",
}

var nouns = []string{
	"Glade", "Ridge", "Harbor", "Summit", "Brook", "Canyon", "Delta", "Ember",
	"Fen", "Grove", "Hollow", "Isle", "Juniper", "Keep", "Lagoon", "Marsh",
	"North", "Orchard", "Peak", "Quarry", "Reef", "Shoal", "Thicket", "Valley",
	"Warren", "Bluff", "Cove", "Dune", "Falls", "Meadow",
}
