package auth

// RegistrationStep is the server-enforced position in the linear registration
// flow. The step is recorded on the web session; middleware rewrites any
// /register/* request whose path does not match the current step.
type RegistrationStep string

// Registration steps in order. There is no server-side reset: once
// backup_codes is reached the user must finish. A failure at the OTP step is
// restartable by submitting /register again.
const (
	StepNone        RegistrationStep = ""
	StepOTP         RegistrationStep = "otp"
	StepBackupCodes RegistrationStep = "backup_codes"
	StepWebAuthn    RegistrationStep = "webauthn"
	StepProfile     RegistrationStep = "profile"
	StepComplete    RegistrationStep = "complete"
)

// stepPaths maps each in-progress step to its canonical request path.
var stepPaths = map[RegistrationStep]string{
	StepOTP:         "/register/otp",
	StepBackupCodes: "/register/backupcodes",
	StepWebAuthn:    "/register/webauthn",
	StepProfile:     "/register/profile",
}

// StepPath returns the canonical path for the step, or "" for none/complete.
func StepPath(step RegistrationStep) string {
	return stepPaths[step]
}

// NextStep returns the step that follows the given one.
func NextStep(step RegistrationStep) RegistrationStep {
	switch step {
	case StepNone:
		return StepOTP
	case StepOTP:
		return StepBackupCodes
	case StepBackupCodes:
		return StepWebAuthn
	case StepWebAuthn:
		return StepProfile
	default:
		return StepComplete
	}
}

// Restartable reports whether submitting /register again is allowed from the
// given step. Only the OTP step, no registration at all, or a finished
// registration can restart.
func Restartable(step RegistrationStep) bool {
	return step == StepNone || step == StepOTP || step == StepComplete
}
