package lifecycle

import "roadside/internal/model"

// Authorize decides whether actor may move req to next. The transition itself
// must already be legal; Authorize only enforces role ownership.
//
// Customers may only cancel their own requests. The assigned mechanic drives
// assigned -> enroute -> in_progress -> completed and may cancel. Admins may
// force any legal transition.
func Authorize(actor model.Actor, req model.ServiceRequest, next model.Status) error {
	switch actor.Role {
	case model.RoleAdmin:
		return nil
	case model.RoleCustomer:
		if actor.ID != req.CustomerID {
			return model.Forbiddenf("request %s belongs to another customer", req.ID)
		}
		if next != model.StatusCancelled {
			return model.Forbiddenf("customers may only cancel a request")
		}
		return nil
	case model.RoleMechanic:
		if !req.AssignedTo(actor.ID) {
			return model.Forbiddenf("mechanic %s is not assigned to request %s", actor.ID, req.ID)
		}
		switch next {
		case model.StatusEnroute, model.StatusInProgress, model.StatusCompleted, model.StatusCancelled:
			return nil
		}
		return model.Forbiddenf("mechanics cannot move a request to %s", next)
	}
	return model.Forbiddenf("unknown role %q", actor.Role)
}
