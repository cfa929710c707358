package stepd

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"strconv"
	"syscall"
)

// ErrServerCreate is returned when every port in the step port range is taken.
var ErrServerCreate = errors.New("failed to create stepd server due to port exhaustion")

// Listen opens a TCP listener on the first free port of ports, tried in
// shuffled order so concurrent steps on one node rarely collide.
func Listen(ports []int) (net.Listener, int, error) {
	order := make([]int, len(ports))
	copy(order, ports)
	rand.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

	for _, port := range order {
		ln, err := net.Listen("tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(port)))
		if err == nil {
			return ln, port, nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) && !errors.Is(err, syscall.EACCES) {
			return nil, 0, fmt.Errorf("failed to listen on port %d: %w", port, err)
		}
	}
	return nil, 0, ErrServerCreate
}
