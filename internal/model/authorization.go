package model

// PackageStatus is the lifecycle state of a customer's energy package.
type PackageStatus string

const (
	PackageActive   PackageStatus = "active"
	PackageInactive PackageStatus = "inactive"
	PackageExpired  PackageStatus = "expired"
)

// CustomerPackage is the read-only view of a guest's purchased energy
// allowance.  Packages are owned by the booking side of the portal.
type CustomerPackage struct {
	ID           int64
	CustomerID   int64
	Status       PackageStatus
	RemainingKWh float64
}

// AuthFacts is everything needed to decide whether a meter may be energised.
type AuthFacts struct {
	MeterID     int64
	MeterNumber string
	BaseTopic   string
	Bypass      bool
	CustomerID  *int64
	Package     *CustomerPackage // most recent package of CustomerID, nil if none
}

// Decision is the outcome of Evaluate.
type Decision struct {
	Authorized  bool
	Reason      ReasonCode
	HadCustomer bool
	HadPackage  bool
}

// Evaluate applies the authorisation rule: bypass OR (assigned customer AND
// active package AND remaining balance > 0).  Reason is set only when the
// meter is not authorised.
func Evaluate(f AuthFacts) Decision {
	d := Decision{
		HadCustomer: f.CustomerID != nil,
		HadPackage:  f.Package != nil && f.Package.Status == PackageActive,
	}
	if f.Bypass {
		d.Authorized = true
		return d
	}
	switch {
	case f.CustomerID == nil:
		d.Reason = ReasonNoCustomer
	case f.Package == nil || f.Package.Status != PackageActive:
		d.Reason = ReasonNoActivePackage
	case f.Package.RemainingKWh <= 0:
		d.Reason = ReasonPackageDepleted
	default:
		d.Authorized = true
	}
	return d
}
