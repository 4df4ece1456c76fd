package models

// Label ids of the body-regions segmentation, as released with the dataset.
const (
	RegionBackground           = 0
	RegionSubcutaneousTissue   = 1
	RegionMuscle               = 2
	RegionAbdominalCavity      = 3
	RegionThoracicCavity       = 4
	RegionBone                 = 5
	RegionParotidGlands        = 6
	RegionPericardium          = 7
	RegionBreastImplant        = 8
	RegionMediastinum          = 9
	RegionBrain                = 10
	RegionSpinalCord           = 11
	RegionThyroidGlands        = 12
	RegionSubmandibularGlands  = 13
)

// Label ids of the body-parts segmentation.
const (
	PartBackground = 0
	PartTorso      = 1
	PartHead       = 2
	PartRightLeg   = 3
	PartLeftLeg    = 4
	PartRightArm   = 5
	PartLeftArm    = 6
)

// IgnoreLabel marks unannotated voxels in the released label volumes. Slices
// carrying it are excluded from training and scoring.
const IgnoreLabel = 255

// BodyRegionNames maps body-regions label ids to their lower-case names, in
// id order. Used when generating the training dataset descriptor.
var BodyRegionNames = []string{
	"background",
	"subcutaneous_tissue",
	"muscle",
	"abdominal_cavity",
	"thoracic_cavity",
	"bone",
	"parotid_glands",
	"pericardium",
	"breast_implant",
	"mediastinum",
	"brain",
	"spinal_cord",
	"thyroid_glands",
	"submandibular_glands",
}

// BodyPartNames maps body-parts label ids to their lower-case names, in id
// order.
var BodyPartNames = []string{
	"background",
	"torso",
	"head",
	"right_leg",
	"left_leg",
	"right_arm",
	"left_arm",
}
