package confidence

// drugNames covers the generic and brand names most common in chronic
// care messaging. Lowercase; matched as whole words.
var drugNames = []string{
	// cardiovascular
	"lisinopril", "amlodipine", "losartan", "metoprolol", "atenolol",
	"carvedilol", "hydrochlorothiazide", "furosemide", "spironolactone",
	"warfarin", "apixaban", "rivaroxaban", "clopidogrel", "aspirin",
	"atorvastatin", "simvastatin", "rosuvastatin", "pravastatin",
	"digoxin", "diltiazem", "nitroglycerin",
	// diabetes
	"metformin", "insulin", "glipizide", "glyburide", "sitagliptin",
	"empagliflozin", "liraglutide", "semaglutide", "pioglitazone",
	// respiratory
	"albuterol", "salbutamol", "fluticasone", "budesonide", "montelukast",
	"tiotropium", "prednisone",
	// psychiatric / neurological
	"sertraline", "fluoxetine", "escitalopram", "citalopram", "bupropion",
	"venlafaxine", "duloxetine", "trazodone", "alprazolam", "lorazepam",
	"gabapentin", "pregabalin", "lamotrigine", "levetiracetam",
	// gastrointestinal
	"omeprazole", "pantoprazole", "esomeprazole", "famotidine",
	// thyroid / hormonal
	"levothyroxine", "synthroid",
	// antibiotics / analgesics
	"amoxicillin", "azithromycin", "ciprofloxacin", "doxycycline",
	"ibuprofen", "acetaminophen", "naproxen", "tramadol", "oxycodone",
	"hydrocodone", "morphine",
}

// prescriberTokens are phrases indicating a clinician initiated or
// directed the medication.
var prescriberTokens = []string{
	"doctor", "dr.", "dr ", "physician", "prescribed", "prescriber",
	"prescription", "my cardiologist", "my gp", "nurse practitioner",
	"the clinic started", "started me on",
}

// vagueReferences are medical mentions without a specific drug: enough
// to score above zero, never enough to trust.
var vagueReferences = []string{
	"a pill", "my pills", "my medication", "my medicine", "my meds",
	"something for my", "the white pill", "blood pressure pill",
	"heart pill", "water pill", "sugar pill", "my inhaler", "my shot",
	"my injection", "my tablets", "my dose",
}
